//go:build linux

package ebpf

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cilium/ebpf/btf"
	"github.com/rs/zerolog"
	"github.com/ulikunitz/xz"

	"github.com/saworbit/scaleadapter/pkg/config"
)

const (
	systemBTFPath  = "/sys/kernel/btf/vmlinux"
	defaultHubBase = "https://github.com/aquasecurity/btfhub-archive/raw/main"
)

// hubArch maps GOARCH onto BTFHub's directory names.
var hubArch = map[string]string{
	"amd64":   "x86_64",
	"arm64":   "arm64",
	"ppc64le": "ppc64le",
}

// layoutLoader finds kernel type information describing the raw_syscalls
// tracepoint records. Candidates are the running kernel, the local cache
// and, when allowed, BTFHub. A candidate is only accepted when it describes
// both records; otherwise the next one is tried.
type layoutLoader struct {
	systemPath    string
	cacheDir      string
	hubBase       string
	allowDownload bool
	client        *http.Client
	kernel        func() (kernelInfo, error)
}

func newLayoutLoader(cfg *config.EBPFConfig) *layoutLoader {
	l := &layoutLoader{
		systemPath:    systemBTFPath,
		cacheDir:      cfg.BTF.CacheDir,
		hubBase:       strings.TrimSuffix(cfg.BTF.HubMirror, "/"),
		allowDownload: cfg.BTF.AllowDownload,
		client:        &http.Client{Timeout: 30 * time.Second},
		kernel:        detectKernelInfo,
	}
	if l.cacheDir == "" {
		l.cacheDir = filepath.Join(os.TempDir(), "scaleadapter", "btf")
	}
	if l.hubBase == "" {
		l.hubBase = defaultHubBase
	}
	return l
}

// resolve returns the record layout and the file it was read from.
func (l *layoutLoader) resolve(ctx context.Context) (ctxLayout, string, error) {
	var errs []error
	try := func(path string) (ctxLayout, bool) {
		spec, err := btf.LoadSpec(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			return defaultLayout, false
		}
		layout, err := resolveLayout(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			return defaultLayout, false
		}
		return layout, true
	}

	if layout, ok := try(l.systemPath); ok {
		return layout, l.systemPath, nil
	}

	info, err := l.kernel()
	if err != nil {
		return defaultLayout, "", errors.Join(append(errs, err)...)
	}
	cached := filepath.Join(l.cacheDir, info.Release+".btf")

	if _, err := os.Stat(cached); err == nil {
		if layout, ok := try(cached); ok {
			return layout, cached, nil
		}
	}

	if !l.allowDownload {
		errs = append(errs, fmt.Errorf("btf download disabled, no usable cache at %s", cached))
		return defaultLayout, "", errors.Join(errs...)
	}
	if err := l.fetch(ctx, info, cached); err != nil {
		return defaultLayout, "", errors.Join(append(errs, err)...)
	}
	if layout, ok := try(cached); ok {
		return layout, cached, nil
	}
	return defaultLayout, "", errors.Join(errs...)
}

// fetch downloads the BTFHub archive for info and stores its .btf member at
// dest. dest is replaced atomically.
func (l *layoutLoader) fetch(ctx context.Context, info kernelInfo, dest string) error {
	if err := os.MkdirAll(l.cacheDir, 0o755); err != nil {
		return fmt.Errorf("create btf cache dir: %w", err)
	}

	url := info.hubURL(l.hubBase)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(l.cacheDir, "btfhub-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := extractBTF(resp.Body, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("unpack %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("store cached btf: %w", err)
	}
	return nil
}

// extractBTF copies the first .btf member of an xz compressed tar stream.
func extractBTF(r io.Reader, out io.Writer) error {
	xzr, err := xz.NewReader(r)
	if err != nil {
		return fmt.Errorf("xz: %w", err)
	}

	tr := tar.NewReader(xzr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("archive holds no .btf file")
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}
		if !strings.HasSuffix(hdr.Name, ".btf") {
			continue
		}
		_, err = io.Copy(out, tr)
		return err
	}
}

// kernelInfo identifies the running kernel the way BTFHub lays out its archive.
type kernelInfo struct {
	Distro  string
	Version string
	Arch    string
	Release string
}

func (k kernelInfo) hubURL(base string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s.btf.tar.xz", base, k.Distro, k.Version, k.Arch, k.Release)
}

func detectKernelInfo() (kernelInfo, error) {
	arch, ok := hubArch[runtime.GOARCH]
	if !ok {
		return kernelInfo{}, fmt.Errorf("btfhub has no archive for %s", runtime.GOARCH)
	}

	release, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return kernelInfo{}, fmt.Errorf("read kernel release: %w", err)
	}

	info := kernelInfo{
		Distro:  "unknown",
		Version: "unknown",
		Arch:    arch,
		Release: strings.TrimSpace(string(release)),
	}

	f, err := os.Open("/etc/os-release")
	if err != nil {
		return info, nil
	}
	defer f.Close()

	info.Distro, info.Version = parseOSRelease(f, info.Distro, info.Version)
	return info, nil
}

// parseOSRelease extracts ID and VERSION_ID from an os-release file.
func parseOSRelease(r io.Reader, distro, version string) (string, string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok || strings.HasPrefix(key, "#") {
			continue
		}
		val = strings.ToLower(strings.Trim(val, `"'`))
		switch key {
		case "ID":
			distro = val
		case "VERSION_ID":
			version = val
		}
	}
	return distro, version
}

// resolveLayout reads the raw_syscalls record offsets from spec.
func resolveLayout(spec *btf.Spec) (ctxLayout, error) {
	if spec == nil {
		return defaultLayout, fmt.Errorf("no btf spec")
	}

	id, err := memberOffset(spec, "trace_event_raw_sys_enter", "id")
	if err != nil {
		return defaultLayout, err
	}
	ret, err := memberOffset(spec, "trace_event_raw_sys_exit", "ret")
	if err != nil {
		return defaultLayout, err
	}
	return ctxLayout{ID: id, Ret: ret}, nil
}

func memberOffset(spec *btf.Spec, typeName, member string) (int16, error) {
	var st *btf.Struct
	if err := spec.TypeByName(typeName, &st); err != nil {
		return 0, fmt.Errorf("lookup %s: %w", typeName, err)
	}
	for _, m := range st.Members {
		if m.Name == member {
			return int16(m.Offset.Bytes()), nil
		}
	}
	return 0, fmt.Errorf("%s has no member %s", typeName, member)
}

// loadLayout resolves the tracepoint record layout. Kernels that no source
// describes keep the historical offsets.
func loadLayout(ctx context.Context, cfg *config.EBPFConfig) ctxLayout {
	log := zerolog.Ctx(ctx).With().Str("component", "btf").Logger()

	layout, source, err := newLayoutLoader(cfg).resolve(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("no BTF describes the tracepoint records, using default layout")
		return defaultLayout
	}
	log.Debug().Str("source", source).
		Int16("id_offset", layout.ID).Int16("ret_offset", layout.Ret).
		Msg("resolved tracepoint layout")
	return layout
}
