package imagesrc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/go-cmp/cmp"
	"github.com/kdomanski/iso9660"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func readAll(t *testing.T, src Source) []byte {
	t.Helper()
	bs, ok := src.(BlockSource)
	if !ok {
		t.Fatalf("%T is not a BlockSource", src)
	}
	rc, err := bs.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func writeFile(t *testing.T, name string, b []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":      Auto,
		"auto":  Auto,
		"Block": Block,
		"tree":  Tree,
	} {
		got, err := ParseMode(in)
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseMode(%q) = %q; want %q", in, got, want)
		}
	}
	if _, err := ParseMode("dd"); err == nil {
		t.Errorf("ParseMode(dd) unexpectedly succeeded")
	}
}

func TestRawFile(t *testing.T) {
	want := payload(3 * 4096)
	src, err := Open(context.Background(), writeFile(t, "disk.img", want), Auto, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if got, want := src.Size(), int64(len(want)); got != want {
		t.Errorf("Size() = %d; want %d", got, want)
	}
	if !bytes.Equal(readAll(t, src), want) {
		t.Errorf("raw file contents differ")
	}
}

func TestGzip(t *testing.T) {
	want := payload(100 * 1024)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(want); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	src, err := Open(context.Background(), writeFile(t, "disk.img.gz", buf.Bytes()), Auto, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := src.Size(), int64(len(want)); got != want {
		t.Errorf("Size() = %d; want %d", got, want)
	}
	if !bytes.Equal(readAll(t, src), want) {
		t.Errorf("decompressed gzip contents differ")
	}
}

func TestGzipInvalid(t *testing.T) {
	_, err := Open(context.Background(), writeFile(t, "disk.img.gz", payload(64)), Block, Options{})
	if err == nil {
		t.Fatal("opening a corrupt gzip file unexpectedly succeeded")
	}
}

func TestZstd(t *testing.T) {
	want := payload(100 * 1024)
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll(want, nil)
	enc.Close()

	src, err := Open(context.Background(), writeFile(t, "disk.img.zst", compressed), Auto, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := src.Size(), int64(len(want)); got != want {
		t.Errorf("Size() = %d; want %d", got, want)
	}
	if !bytes.Equal(readAll(t, src), want) {
		t.Errorf("decompressed zstd contents differ")
	}
}

func TestZstdWithoutContentSize(t *testing.T) {
	frame := []byte{
		0x28, 0xb5, 0x2f, 0xfd, // magic
		0x00,                   // frame header descriptor: no content size
		0x00,                   // window descriptor
		0x01, 0x00, 0x00,       // last raw block, empty
	}
	_, err := Open(context.Background(), writeFile(t, "disk.img.zst", frame), Auto, Options{})
	if err == nil || !strings.Contains(err.Error(), "content size") {
		t.Fatalf("Open(zstd without content size) = %v; want content size error", err)
	}
}

type fakeS3 struct {
	objects map[string][]byte
	gets    int
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(b)))}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gets++
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func TestS3(t *testing.T) {
	want := payload(8192)
	fake := &fakeS3{objects: map[string][]byte{"images/live/disk.img": want}}
	opts := Options{S3: fake}

	src, err := Open(context.Background(), "s3://images/live/disk.img", Auto, opts)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := src.Name(), "s3://images/live/disk.img"; got != want {
		t.Errorf("Name() = %q; want %q", got, want)
	}
	if got, want := src.Size(), int64(len(want)); got != want {
		t.Errorf("Size() = %d; want %d", got, want)
	}
	if got, want := fake.gets, 0; got != want {
		t.Errorf("GetObject called %d times before Open", got)
	}
	if !bytes.Equal(readAll(t, src), want) {
		t.Errorf("S3 object contents differ")
	}

	if _, err := Open(context.Background(), "s3://images/missing.img", Auto, opts); err == nil {
		t.Errorf("opening a missing object unexpectedly succeeded")
	}
	if _, err := Open(context.Background(), "s3://images/live/disk.img", Tree, opts); err == nil {
		t.Errorf("opening an S3 object as tree unexpectedly succeeded")
	}
}

func TestParseS3URL(t *testing.T) {
	for _, u := range []string{"s3://", "s3://bucket", "s3://bucket/", "s3:///key"} {
		if _, _, err := parseS3URL(u); err == nil {
			t.Errorf("parseS3URL(%q) unexpectedly succeeded", u)
		}
	}
}

func TestDir(t *testing.T) {
	root := t.TempDir()
	for name, contents := range map[string]string{
		"boot/grub/grub.cfg":   "set timeout=5\n",
		"EFI/BOOT/BOOTX64.EFI": "MZ",
		"readme.txt":           "hello",
	} {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(contents), 0644); err != nil {
			t.Fatal(err)
		}
	}

	src, err := Open(context.Background(), root, Auto, Options{})
	if err != nil {
		t.Fatal(err)
	}
	tree, ok := src.(TreeSource)
	if !ok {
		t.Fatalf("Open(directory) = %T; want TreeSource", src)
	}
	want := []File{
		{Path: "EFI", IsDir: true},
		{Path: "EFI/BOOT", IsDir: true},
		{Path: "EFI/BOOT/BOOTX64.EFI", Size: 2},
		{Path: "boot", IsDir: true},
		{Path: "boot/grub", IsDir: true},
		{Path: "boot/grub/grub.cfg", Size: 14},
		{Path: "readme.txt", Size: 5},
	}
	if diff := cmp.Diff(want, tree.Files()); diff != "" {
		t.Errorf("Files(): diff (-want +got):\n%s", diff)
	}
	if got, want := tree.Size(), int64(21); got != want {
		t.Errorf("Size() = %d; want %d", got, want)
	}
	rc, err := tree.Open("boot/grub/grub.cfg")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "set timeout=5\n"; got != want {
		t.Errorf("grub.cfg: got %q; want %q", got, want)
	}

	if _, err := Open(context.Background(), root, Block, Options{}); err == nil {
		t.Errorf("opening a directory as block stream unexpectedly succeeded")
	}
}

func TestISO(t *testing.T) {
	w, err := iso9660.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Cleanup()
	files := map[string][]byte{
		"efi/boot/bootx64.efi":  payload(5000),
		"isolinux/isolinux.cfg": payload(300),
		"readme.txt":            payload(12),
	}
	for name, b := range files {
		if err := w.AddFile(bytes.NewReader(b), name); err != nil {
			t.Fatal(err)
		}
	}
	isoPath := filepath.Join(t.TempDir(), "live.iso")
	out, err := os.Create(isoPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteTo(out, "LIVE"); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	src, err := Open(context.Background(), isoPath, Auto, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	tree, ok := src.(TreeSource)
	if !ok {
		t.Fatalf("Open(.iso) = %T; want TreeSource", src)
	}
	if got, want := tree.Size(), int64(5000+300+12); got != want {
		t.Errorf("Size() = %d; want %d", got, want)
	}
	var nfiles int
	for _, f := range tree.Files() {
		if f.IsDir {
			continue
		}
		nfiles++
		rc, err := tree.Open(f.Path)
		if err != nil {
			t.Fatal(err)
		}
		n, err := io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		if n != f.Size {
			t.Errorf("%s: read %d bytes; want %d", f.Path, n, f.Size)
		}
	}
	if got, want := nfiles, len(files); got != want {
		t.Errorf("ISO contains %d files; want %d", got, want)
	}

	// Forcing block mode writes the ISO verbatim.
	blk, err := Open(context.Background(), isoPath, Block, Options{})
	if err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(isoPath)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := blk.Size(), st.Size(); got != want {
		t.Errorf("block Size() = %d; want %d", got, want)
	}
}
