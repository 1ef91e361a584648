package duper_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"duper/internal/duper"
	dfs "duper/internal/fs"
	"duper/internal/testutil"
)

func collect(t *testing.T, root string, opts duper.ScanOptions) ([]string, []*duper.FileError) {
	t.Helper()
	scanner := duper.NewScanner(dfs.NewOSFilesystemManager(nil), duper.NewNopLogger())
	paths := make(chan string, 4)

	var errs []*duper.FileError
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(paths)
		errs = scanner.Scan(context.Background(), root, opts, paths)
	}()

	var got []string
	for p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, filepath.ToSlash(rel))
	}
	<-done
	sort.Strings(got)
	return got, errs
}

func populate(files map[string]string, dir string, n int) {
	for i := 0; i < n; i++ {
		files[fmt.Sprintf("%s/f%02d.bin", dir, i)] = fmt.Sprintf("%s-%d", dir, i)
	}
}

func TestScanner_SparseCoverage(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{"top1.bin": "t1", "top2.bin": "t2"}
	populate(files, "one", 1)
	populate(files, "three", 3)
	populate(files, "four", 4)
	populate(files, "ten", 10)
	testutil.WriteTree(t, root, files)

	got, errs := collect(t, root, duper.ScanOptions{Ignore: duper.IgnoreConfig{SparseMode: true}})
	if len(errs) != 0 {
		t.Fatalf("unexpected scan errors: %v", errs)
	}

	var want []string
	for rel := range files {
		dir := filepath.Dir(rel)
		if dir == "." || dir == "four" || dir == "ten" {
			want = append(want, rel)
		}
	}
	sort.Strings(want)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("sparse scan visited\n%v\nwant\n%v", got, want)
	}
}

func TestScanner_SparseTraversesPopulatedSubtreesFully(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{}
	populate(files, "roms", 4)
	populate(files, "roms/disc2", 1)
	testutil.WriteTree(t, root, files)

	got, _ := collect(t, root, duper.ScanOptions{Ignore: duper.IgnoreConfig{SparseMode: true}})
	if len(got) != 5 {
		t.Errorf("sparse scan visited %d files, want 5: %v", len(got), got)
	}
}

func TestScanner_FullTraversal(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{"a.txt": "a", "x/y/z/deep.bin": "d"}
	populate(files, "one", 1)
	testutil.WriteTree(t, root, files)

	got, _ := collect(t, root, duper.ScanOptions{})
	if len(got) != 3 {
		t.Errorf("full scan visited %v, want 3 files", got)
	}
}

func TestScanner_IgnoreClasses(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"movie.mkv":      "v",
		"song.MP3":       "m",
		"cat.png":        "p",
		"notes.txt":      "f",
		"program.exe":    "x",
		"sub/clip.mp4":   "v2",
		"sub/readme.bin": "b",
	})

	got, _ := collect(t, root, duper.ScanOptions{Ignore: duper.IgnoreConfig{Video: true, Music: true}})
	want := []string{"cat.png", "notes.txt", "program.exe", "sub/readme.bin"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("scan = %v, want %v", got, want)
	}
}

func TestScanner_Exclude(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"keep/a.bin":           "a",
		"duplicates/a.bin":     "a",
		"duplicates-old/b.bin": "b",
	})

	got, _ := collect(t, root, duper.ScanOptions{Exclude: []string{filepath.Join(root, "duplicates")}})
	want := []string{"duplicates-old/b.bin", "keep/a.bin"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("scan = %v, want %v", got, want)
	}
}

func TestScanner_ExcludedRootOrAncestorIsIgnored(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "photos")
	files := map[string]string{"top.bin": "t", "duplicates/c.bin": "c"}
	populate(files, "2020", 4)
	testutil.WriteTree(t, root, files)

	want := []string{"2020/f00.bin", "2020/f01.bin", "2020/f02.bin", "2020/f03.bin", "top.bin"}
	tests := []struct {
		name    string
		exclude []string
		sparse  bool
	}{
		{name: "working dir is the root", exclude: []string{root, filepath.Join(root, "duplicates")}},
		{name: "working dir above the root", exclude: []string{base, filepath.Join(root, "duplicates")}},
		{name: "sparse with working dir above the root", exclude: []string{base}, sparse: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := duper.ScanOptions{Exclude: tt.exclude, Ignore: duper.IgnoreConfig{SparseMode: tt.sparse}}
			got, errs := collect(t, root, opts)
			if len(errs) != 0 {
				t.Fatalf("unexpected scan errors: %v", errs)
			}
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Errorf("scan = %v, want %v", got, want)
			}
		})
	}
}

func TestScanner_IgnoreFileAndSymlinks(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		dfs.IgnoreFileName: "*.part\n",
		"movie.part":       "p",
		"real.bin":         "r",
	})
	if err := os.Symlink(filepath.Join(root, "real.bin"), filepath.Join(root, "link.bin")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	got, _ := collect(t, root, duper.ScanOptions{})
	want := []string{"real.bin"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("scan = %v, want %v", got, want)
	}
}

func TestScanner_UnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"ok/a.bin": "a", "locked/b.bin": "b"})
	locked := filepath.Join(root, "locked")
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	got, errs := collect(t, root, duper.ScanOptions{})
	if fmt.Sprint(got) != "[ok/a.bin]" {
		t.Errorf("scan = %v, want [ok/a.bin]", got)
	}
	if len(errs) != 1 || errs[0].Path != locked {
		t.Fatalf("errors = %v, want one for %s", errs, locked)
	}
}

func TestScanner_StopsOnCancel(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{}
	populate(files, "many", 50)
	testutil.WriteTree(t, root, files)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scanner := duper.NewScanner(dfs.NewOSFilesystemManager(nil), duper.NewNopLogger())
	paths := make(chan string) // unbuffered and never read
	done := make(chan struct{})
	go func() {
		scanner.Scan(ctx, root, duper.ScanOptions{}, paths)
		close(done)
	}()
	<-done
}
