package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/usbflash/tools/internal/catalog"
	"github.com/usbflash/tools/internal/config"
	"github.com/usbflash/tools/internal/flash"
	"github.com/usbflash/tools/internal/imagewriter"
	"github.com/usbflash/tools/internal/journal"
	"github.com/usbflash/tools/internal/overlay"
	"github.com/usbflash/tools/internal/provision"
	"github.com/usbflash/tools/internal/provision/provisiontest"
	"github.com/usbflash/tools/internal/verify"
)

func TestConfirm(t *testing.T) {
	dev := catalog.Device{Path: "/dev/sdx", Label: "SanDisk Ultra", Capacity: 16 * catalog.GiB}
	for _, tt := range []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" y \n", true},
		{"\n", false},
		{"n\n", false},
		{"", false},
	} {
		var out bytes.Buffer
		got, err := confirm(strings.NewReader(tt.input), &out, dev)
		if err != nil {
			t.Fatalf("confirm(%q): %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("confirm(%q) = %v; want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "/dev/sdx (SanDisk Ultra") {
			t.Errorf("prompt %q does not name the device", out.String())
		}
	}
}

func TestPrintDevices(t *testing.T) {
	var buf bytes.Buffer
	err := printDevices(&buf, []catalog.Device{
		{Path: "/dev/sdb", Label: "Kingston DataTraveler", Capacity: 8 * catalog.GiB, Serial: "408D5C"},
		{Path: "/dev/sdc", Label: "SanDisk", Capacity: 64 * catalog.GiB},
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if got, want := len(lines), 3; got != want {
		t.Fatalf("printDevices printed %d lines; want %d:\n%s", got, want, buf.String())
	}
	if !strings.HasPrefix(lines[0], "DEVICE") || !strings.Contains(lines[1], "Kingston DataTraveler") {
		t.Errorf("unexpected table:\n%s", buf.String())
	}
	for i, want := range []string{"8.0 GiB", "64 GiB"} {
		if !strings.Contains(lines[i+1], want) {
			t.Errorf("line %q does not show size %q", lines[i+1], want)
		}
	}
	// Columns are aligned.
	if got, want := strings.Index(lines[2], "SanDisk"), strings.Index(lines[0], "LABEL"); got != want {
		t.Errorf("LABEL column at %d, SanDisk at %d", want, got)
	}
}

func TestPickDevice(t *testing.T) {
	var buf bytes.Buffer
	if _, err := pickDevice(&buf, nil); err == nil {
		t.Errorf("pickDevice(no devices) unexpectedly succeeded")
	}
	one := catalog.Device{ID: "sdb", Path: "/dev/sdb"}
	got, err := pickDevice(&buf, []catalog.Device{one})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(one, got); diff != "" {
		t.Errorf("pickDevice: diff (-want +got):\n%s", diff)
	}
	if _, err := pickDevice(&buf, []catalog.Device{one, {ID: "sdc", Path: "/dev/sdc"}}); err == nil {
		t.Errorf("pickDevice(two devices) unexpectedly succeeded")
	}
	if !strings.Contains(buf.String(), "/dev/sdc") {
		t.Errorf("ambiguous devices not listed: %q", buf.String())
	}
	errWrite := errors.New("stderr closed")
	if _, err := pickDevice(failingWriter{errWrite}, []catalog.Device{one, one}); !errors.Is(err, errWrite) {
		t.Errorf("pickDevice(failing writer) = %v; want %v", err, errWrite)
	}
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

type staticLister []catalog.Device

func (l staticLister) Disks() ([]catalog.Device, error) { return l, nil }

// setup is a controller whose only device is an image file, plus a disk
// image and an overlay to write onto it.
type setup struct {
	ctrl      *flash.Controller
	formatter *provisiontest.Formatter
	device    catalog.Device
	image   string
	overlay string
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	dir := t.TempDir()
	devPath := filepath.Join(dir, "sdx.img")
	if err := provisiontest.Image(devPath, 8<<20); err != nil {
		t.Fatal(err)
	}
	dev := catalog.Device{ID: "sdx", Path: devPath, Capacity: 8 << 20, Removable: true}

	img := make([]byte, 2<<20)
	img[446+4] = 0x0c
	binary.LittleEndian.PutUint32(img[446+8:], 2048)
	binary.LittleEndian.PutUint32(img[446+12:], uint32(len(img)/512-2048))
	img[510], img[511] = 0x55, 0xaa
	imgPath := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(imgPath, img, 0644); err != nil {
		t.Fatal(err)
	}
	ovl := filepath.Join(dir, "overlay")
	if err := os.MkdirAll(filepath.Join(ovl, "BOOT"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ovl, "BOOT", "BOOTX64.EFI"), []byte("efi"), 0644); err != nil {
		t.Fatal(err)
	}

	formatter := &provisiontest.Formatter{}
	return &setup{
		ctrl: &flash.Controller{
			Catalog: &catalog.Catalog{Lister: staticLister{dev}, MaxCapacity: catalog.DefaultMaxCapacity},
			Provisioner: &provision.Provisioner{
				Formatter: formatter,
				Mounter:   &provisiontest.Mounter{},
				MountRoot: filepath.Join(dir, "mnt"),
			},
			Writer:    &imagewriter.Writer{ChunkSize: 64 << 10},
			Installer: &overlay.Installer{},
			Verifier:  &verify.Verifier{},
		},
		formatter: formatter,
		device:    dev,
		image:     imgPath,
		overlay:   ovl,
	}
}

// cancelOnWriting makes the controller call cancel once writing starts.
func (s *setup) cancelOnWriting(cancel context.CancelFunc) {
	s.ctrl.Observers = append(s.ctrl.Observers, flash.ObserverFunc(func(ev flash.Event) {
		if ev.State == flash.Writing {
			cancel()
		}
	}))
}

// runOperation flashes the disk image of a new setup.
func runOperation(t *testing.T, cancelFirst bool) (*flash.Handle, error) {
	t.Helper()
	s := newSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cancelFirst {
		s.cancelOnWriting(cancel)
	}
	h, err := s.ctrl.Start(ctx, flash.Request{DeviceID: "sdx", ImagePath: s.image, OverlayPath: s.overlay})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	renderPlain(h, &out)
	return h, h.Wait()
}

func TestOutcome(t *testing.T) {
	h, err := runOperation(t, false)
	if err != nil {
		t.Fatal(err)
	}
	var stdout bytes.Buffer
	if err := outcome(&stdout, h, err, time.Second); err != nil {
		t.Fatalf("outcome = %v", err)
	}
	if !strings.Contains(stdout.String(), "ready to boot") {
		t.Errorf("outcome printed %q", stdout.String())
	}

	h, err = runOperation(t, true)
	if !errors.Is(err, flash.ErrCancelled) {
		t.Fatalf("cancelled operation: Wait = %v", err)
	}
	var ee *ExitError
	if err := outcome(&stdout, h, err, time.Second); !errors.As(err, &ee) || ee.Code != 130 {
		t.Errorf("outcome(cancelled) = %v; want ExitError with code 130", err)
	}
	fail := &flash.Error{State: flash.Writing, Err: errors.New("I/O failure")}
	if err := outcome(&stdout, h, fail, time.Second); err != fail {
		t.Errorf("outcome(failed) = %v; want %v", err, fail)
	}
}

func TestWriteReport(t *testing.T) {
	start := time.Now()
	h, err := runOperation(t, false)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "report.json")
	if err := writeReport(path, h, start); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got report
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != h.ID() || got.State != "completed" || got.Percent != 100 || got.BytesWritten != 2<<20 {
		t.Errorf("report = %+v; want completed operation %s with 2 MiB written", got, h.ID())
	}
	if got.Error != "" {
		t.Errorf("report.Error = %q; want empty", got.Error)
	}
}

func TestHistoryCmd(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	testChdir(t, t.TempDir())
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for _, state := range []flash.State{flash.Provisioning, flash.Writing, flash.Completed} {
		j.Observe(flash.Event{
			ID:      "3f1c2d9e",
			Request: flash.Request{ImagePath: "ubuntu.iso"},
			Device:  catalog.Device{Path: "/dev/sdb"},
			State:   state,
			Time:    now,
		})
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	for _, args := range [][]string{
		{"history", "--journal", path},
		{"history", "--journal", path, "--id", "3f1c2d9e"},
	} {
		var stdout bytes.Buffer
		root := RootCmd()
		root.SetArgs(args)
		root.SetOut(&stdout)
		root.SetErr(&stdout)
		if err := root.Execute(); err != nil {
			t.Fatalf("usbflash %v: %v", args, err)
		}
		if !strings.Contains(stdout.String(), "completed") {
			t.Errorf("usbflash %v printed:\n%s", args, stdout.String())
		}
	}
}

func TestVersionFlag(t *testing.T) {
	var stdout bytes.Buffer
	root := RootCmd()
	root.SetArgs([]string{"--version"})
	root.SetOut(&stdout)
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if stdout.Len() == 0 {
		t.Errorf("--version printed nothing")
	}
}

// lockedBuffer is written by the renderer and the logger concurrently.
type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestFlashRun(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	testChdir(t, t.TempDir())

	flashRun := func(t *testing.T, ctx context.Context, s *setup, impl flashImplConfig, stdin string) (stdout, stderr string, journalPath string, err error) {
		t.Helper()
		journalPath = filepath.Join(t.TempDir(), "journal.db")
		fs := pflag.NewFlagSet("flash", pflag.ContinueOnError)
		config.RegisterPflags(fs)
		if err := fs.Parse([]string{"--journal=" + journalPath}); err != nil {
			t.Fatal(err)
		}
		impl.device = s.device.ID
		impl.image = s.image
		impl.overlay = s.overlay
		impl.controller = func(*config.Config, *slog.Logger) *flash.Controller { return s.ctrl }
		var out bytes.Buffer
		var errOut lockedBuffer
		err = impl.run(ctx, fs, strings.NewReader(stdin), &out, &errOut)
		return out.String(), errOut.String(), journalPath, err
	}

	readReport := func(t *testing.T, path string) report {
		t.Helper()
		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		var rep report
		if err := json.Unmarshal(b, &rep); err != nil {
			t.Fatal(err)
		}
		return rep
	}

	t.Run("Completed", func(t *testing.T) {
		s := newSetup(t)
		reportPath := filepath.Join(t.TempDir(), "report.json")
		stdout, stderr, journalPath, err := flashRun(t, context.Background(), s, flashImplConfig{
			report: reportPath,
			yes:    true,
			plain:  true,
		}, "")
		if err != nil {
			t.Fatalf("flash: %v\n%s", err, stderr)
		}
		if !strings.Contains(stdout, "ready to boot") {
			t.Errorf("stdout = %q; want success message", stdout)
		}
		if strings.Contains(stdout, "Are you sure") {
			t.Errorf("--yes still asked for confirmation: %q", stdout)
		}
		if !strings.Contains(stderr, "[done]") {
			t.Errorf("--plain printed no step lines: %q", stderr)
		}
		if got, want := readReport(t, reportPath).State, "completed"; got != want {
			t.Errorf("report state = %q; want %q", got, want)
		}

		j, err := journal.Open(journalPath, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer j.Close()
		runs, err := j.Recent(context.Background(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != 1 || runs[0].State != "completed" {
			t.Errorf("journal runs = %+v; want one completed run", runs)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		s := newSetup(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s.cancelOnWriting(cancel)
		reportPath := filepath.Join(t.TempDir(), "report.json")
		_, _, _, err := flashRun(t, ctx, s, flashImplConfig{
			report: reportPath,
			yes:    true,
			plain:  true,
		}, "")
		var ee *ExitError
		if !errors.As(err, &ee) || ee.Code != 130 {
			t.Fatalf("flash = %v; want ExitError with code 130", err)
		}
		if got, want := readReport(t, reportPath).State, "cancelled"; got != want {
			t.Errorf("report state = %q; want %q", got, want)
		}
	})

	t.Run("Declined", func(t *testing.T) {
		s := newSetup(t)
		stdout, _, _, err := flashRun(t, context.Background(), s, flashImplConfig{plain: true}, "n\n")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(stdout, "Aborted") {
			t.Errorf("stdout = %q; want abort notice", stdout)
		}
		if len(s.formatter.Calls) != 0 {
			t.Errorf("declined flash formatted the device")
		}
	})
}

// testChdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func testChdir(t *testing.T, dir string) {
	t.Helper()
	oldwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(oldwd); err != nil {
			t.Fatal(err)
		}
	})
}
