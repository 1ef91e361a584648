package duper

import (
	"runtime"
	"testing"
)

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"cat.png":        "png",
		"Movie.MKV":      "mkv",
		"archive.tar.gz": "gz",
		"README":         "",
		".bashrc":        "bashrc",
		"cat (1).png":    "png",
		"trailing.dot.":  "",
	}
	for name, want := range tests {
		if got := Extension(name); got != want {
			t.Errorf("Extension(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestIgnoreConfig_IgnoresFile(t *testing.T) {
	cfg := IgnoreConfig{Video: true, Fodder: true}

	tests := []struct {
		name string
		want bool
	}{
		{"film.MKV", true},
		{"notes.txt", true},
		{"song.mp3", false},
		{"cat.png", false},
		{"noext", false},
		{"program.exe", false},
	}
	for _, tt := range tests {
		if got := cfg.IgnoresFile(tt.name); got != tt.want {
			t.Errorf("IgnoresFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIgnoreConfig_WithClass(t *testing.T) {
	base := IgnoreConfig{}
	for _, class := range IgnoreClasses() {
		cfg := base.WithClass(class)
		if !cfg.Ignores(class) {
			t.Errorf("WithClass(%s) did not ignore %s", class, class)
		}
		if base.Ignores(class) {
			t.Errorf("WithClass(%s) mutated the receiver", class)
		}
	}
	if base.WithClass("unknown") != base {
		t.Error("WithClass(unknown) changed the config")
	}
}

func TestClassExtensions_NoOverlap(t *testing.T) {
	seen := make(map[string]IgnoreClass)
	for _, class := range IgnoreClasses() {
		exts := ClassExtensions(class)
		if len(exts) == 0 {
			t.Errorf("class %s has no extensions", class)
		}
		for _, ext := range exts {
			if other, ok := seen[ext]; ok {
				t.Errorf("extension %s in both %s and %s", ext, other, class)
			}
			seen[ext] = class
		}
	}
}

func TestScanOptions_Defaults(t *testing.T) {
	var opts ScanOptions
	if opts.workers() != runtime.NumCPU() {
		t.Errorf("workers() = %d, want %d", opts.workers(), runtime.NumCPU())
	}
	if opts.queueSize() != DefaultQueueSize {
		t.Errorf("queueSize() = %d, want %d", opts.queueSize(), DefaultQueueSize)
	}

	opts = ScanOptions{Workers: 3, QueueSize: 8}
	if opts.workers() != 3 || opts.queueSize() != 8 {
		t.Errorf("explicit options not honoured: workers=%d queue=%d", opts.workers(), opts.queueSize())
	}
}

func TestQuarantineBase(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		opts    QuarantineOptions
		want    string
		wantErr bool
	}{
		{
			name: "flat mode uses the base name",
			path: "/data/b/cat (1).png",
			opts: QuarantineOptions{Root: "/q"},
			want: "/q/cat (1).png",
		},
		{
			name: "sparse mode keeps the relative path",
			path: "/data/b/cat (1).png",
			opts: QuarantineOptions{Root: "/q", ScanRoot: "/data", Sparse: true},
			want: "/q/b/cat (1).png",
		},
		{
			name:    "sparse mode rejects paths outside the scan root",
			path:    "/elsewhere/x.png",
			opts:    QuarantineOptions{Root: "/q", ScanRoot: "/data", Sparse: true},
			wantErr: true,
		},
		{
			name:    "sparse mode requires a scan root",
			path:    "/data/x.png",
			opts:    QuarantineOptions{Root: "/q", Sparse: true},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := quarantineBase(tt.path, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("quarantineBase() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("quarantineBase() = %q, want %q", got, tt.want)
			}
		})
	}
}
