package testutil

import (
	"crypto/md5"
	"encoding/hex"
)

// MD5Hex returns the content hash the catalog stores for data.
func MD5Hex(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}
