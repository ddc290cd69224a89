package security

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// HostProbe reads attributes from the running host. Root prefixes every
// filesystem path so tests can point it at a fake /proc and /sys tree.
type HostProbe struct {
	Root   string
	Getenv func(string) string
}

// NewHostProbe creates a probe rooted at root ("" means "/").
func NewHostProbe(root string) *HostProbe {
	return &HostProbe{Root: root, Getenv: os.Getenv}
}

// ErrUnknownAttribute is returned for names the probe does not know.
var ErrUnknownAttribute = errors.New("unknown attribute")

// Collect implements Probe.
func (p *HostProbe) Collect(ctx context.Context, name string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch name {
	case AttrRender:
		return RenderSignature()
	case AttrGPU:
		return p.gpu()
	case AttrLocale:
		return p.locale()
	case AttrTimezone:
		return p.timezone()
	case AttrScreen:
		return p.screen()
	case AttrPlatform:
		return runtime.GOOS + "/" + runtime.GOARCH, nil
	case AttrCores:
		return runtime.NumCPU(), nil
	case AttrMemory:
		return p.memory()
	case AttrTouch:
		return p.touch()
	case AttrVendor:
		return p.vendor()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, name)
	}
}

func (p *HostProbe) path(parts ...string) string {
	root := p.Root
	if root == "" {
		root = "/"
	}
	return filepath.Join(append([]string{root}, parts...)...)
}

func (p *HostProbe) readTrimmed(parts ...string) (string, error) {
	data, err := os.ReadFile(p.path(parts...))
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("%s is empty", filepath.Join(parts...))
	}
	return v, nil
}

var pciVendors = map[string]string{
	"0x10de": "NVIDIA",
	"0x1002": "AMD",
	"0x8086": "Intel",
	"0x1af4": "Virtio",
	"0x15ad": "VMware",
	"0x1234": "QEMU",
}

func (p *HostProbe) gpu() (string, error) {
	if r := p.Getenv("GPU_RENDERER"); r != "" {
		return r, nil
	}
	if v, err := p.readTrimmed("proc", "driver", "nvidia", "version"); err == nil {
		line, _, _ := strings.Cut(v, "\n")
		return strings.TrimSpace(line), nil
	}
	id, err := p.readTrimmed("sys", "class", "drm", "card0", "device", "vendor")
	if err != nil {
		return "", fmt.Errorf("no graphics device found: %w", err)
	}
	if name, ok := pciVendors[strings.ToLower(id)]; ok {
		return name, nil
	}
	return id, nil
}

func (p *HostProbe) locale() (string, error) {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := p.Getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		v, _, _ = strings.Cut(v, ".")
		return strings.ReplaceAll(v, "_", "-"), nil
	}
	return "", errors.New("locale not set")
}

func (p *HostProbe) timezone() (string, error) {
	if tz := p.Getenv("TZ"); tz != "" {
		return strings.TrimPrefix(tz, ":"), nil
	}
	if name := time.Local.String(); name != "" && name != "Local" {
		return name, nil
	}
	if v, err := p.readTrimmed("etc", "timezone"); err == nil {
		return v, nil
	}
	return "", errors.New("timezone not resolvable")
}

func (p *HostProbe) screen() (string, error) {
	size, err := p.readTrimmed("sys", "class", "graphics", "fb0", "virtual_size")
	if err != nil {
		return "", err
	}
	w, h, ok := strings.Cut(size, ",")
	if !ok {
		return "", fmt.Errorf("malformed framebuffer size %q", size)
	}
	depth, err := p.readTrimmed("sys", "class", "graphics", "fb0", "bits_per_pixel")
	if err != nil {
		depth = "0"
	}
	return fmt.Sprintf("%sx%sx%s", strings.TrimSpace(w), strings.TrimSpace(h), depth), nil
}

// memory returns total memory rounded to whole GiB.
func (p *HostProbe) memory() (int, error) {
	f, err := os.Open(p.path("proc", "meminfo"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemTotal: %w", err)
		}
		const kbPerGiB = 1024 * 1024
		return int((kb + kbPerGiB/2) / kbPerGiB), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("MemTotal not found")
}

func (p *HostProbe) touch() (bool, error) {
	data, err := os.ReadFile(p.path("proc", "bus", "input", "devices"))
	if err != nil {
		return false, err
	}
	lower := strings.ToLower(string(data))
	return strings.Contains(lower, "touchscreen") || strings.Contains(lower, "touchpad"), nil
}

func (p *HostProbe) vendor() (string, error) {
	return p.readTrimmed("sys", "class", "dmi", "id", "sys_vendor")
}

// RenderSignature draws a fixed scene, encodes it as PNG and returns the
// hex SHA-256 of the encoding. Differences in the image encoder or runtime
// show up as a different signature.
func RenderSignature() (string, error) {
	const w, h = 96, 32
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 0xf6, G: 0x0f, B: 0x5a, A: 0xff}}, image.Point{}, draw.Src)

	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			if (x*x+y*3)%7 == 0 {
				img.Set(x, y, color.RGBA{R: uint8(x * 2), G: uint8(y * 7), B: 0x66, A: 0xcc})
			}
		}
	}
	draw.Draw(img, image.Rect(8, 6, 40, 26), &image.Uniform{C: color.NRGBA{R: 0x10, G: 0x99, B: 0xcc, A: 0x80}}, image.Point{}, draw.Over)
	for i := 0; i < h; i++ {
		img.Set(48+i, i, color.Gray{Y: uint8(i * 8)})
		img.Set(48+i, h-1-i, color.Alpha{A: uint8(255 - i*8)})
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode raster: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}
