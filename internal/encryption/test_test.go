package encryption

import (
	"bytes"
	"errors"
	"testing"
)

func TestTestEncryptor_PassphraseAfterSetup(t *testing.T) {
	e := NewTestEncryptor()
	if _, err := e.Unlock("anything"); err != nil {
		t.Fatalf("Unlock() before Setup error = %v", err)
	}

	if err := e.Setup("hunter2"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.setupCalled || !e.IsConfigured() {
		t.Error("encryptor not configured after Setup()")
	}
	if _, err := e.Unlock("wrong"); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Unlock(wrong) error = %v, want ErrWrongPassphrase", err)
	}
	if _, err := e.Unlock("hunter2"); err != nil {
		t.Errorf("Unlock(hunter2) error = %v", err)
	}
}

func TestTestEncryptor_CatalogImageRoundTrip(t *testing.T) {
	images := map[string][]byte{
		"empty":  {},
		"sqlite": append([]byte("SQLite format 3\x00"), bytes.Repeat([]byte{0x00, 0x10}, 4096)...),
		"large":  bytes.Repeat([]byte("page"), 1<<16),
	}

	for name, image := range images {
		t.Run(name, func(t *testing.T) {
			e := NewTestEncryptor()

			var sealed bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(image), &sealed); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if !bytes.HasPrefix(sealed.Bytes(), testHeader) {
				t.Fatalf("sealed image starts with %q, want header %q", sealed.Bytes()[:len(testHeader)], testHeader)
			}

			dc, err := e.Unlock("")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			var opened bytes.Buffer
			if err := dc.Decrypt(bytes.NewReader(sealed.Bytes()), &opened); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(opened.Bytes(), image) {
				t.Errorf("round trip changed the image (%d bytes, want %d)", opened.Len(), len(image))
			}
		})
	}
}

func TestTestDecryptionContext_RejectsPlaintext(t *testing.T) {
	for name, input := range map[string][]byte{
		"plain catalog": []byte("SQLite format 3\x00"),
		"short":         []byte("DUP"),
		"empty":         nil,
	} {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			if err := (&TestDecryptionContext{}).Decrypt(bytes.NewReader(input), &out); err == nil {
				t.Error("Decrypt() expected error")
			}
			if out.Len() != 0 {
				t.Errorf("Decrypt() wrote %d bytes on failure", out.Len())
			}
		})
	}
}
