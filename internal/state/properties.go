package state

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/magiconair/properties"
)

// propertiesFile is a key=value file in the java.util.Properties layout. The
// whole file is rewritten on every change through a temp file and a rename.
type propertiesFile struct {
	path   string
	header string

	mu     sync.Mutex
	props  *properties.Properties
	lock   *os.File
	closed bool
}

func openPropertiesFile(path, header string) (*propertiesFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(lock); err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	f := &propertiesFile{path: path, header: header, props: newProperties(), lock: lock}
	if err := f.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func newProperties() *properties.Properties {
	props := properties.NewProperties()
	props.DisableExpansion = true
	return props
}

func (f *propertiesFile) load() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	props, err := loadProperties(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
	}
	f.props = props
	return nil
}

func (f *propertiesFile) get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", false, ErrClosed
	}
	value, ok := f.props.Get(key)
	return value, ok, nil
}

func (f *propertiesFile) set(key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	previous, existed, err := f.props.Set(key, value)
	if err != nil {
		return err
	}
	if existed && previous == value {
		return nil
	}
	if err := f.writeLocked(); err != nil {
		if existed {
			_, _, _ = f.props.Set(key, previous)
		} else {
			f.props.Delete(key)
		}
		return err
	}
	return nil
}

func (f *propertiesFile) remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	previous, existed := f.props.Get(key)
	if !existed {
		return nil
	}
	f.props.Delete(key)
	if err := f.writeLocked(); err != nil {
		_, _, _ = f.props.Set(key, previous)
		return err
	}
	return nil
}

func (f *propertiesFile) snapshot() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return f.props.Map(), nil
}

func (f *propertiesFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.lock == nil {
		return nil
	}
	unlockErr := unlockFile(f.lock)
	closeErr := f.lock.Close()
	return errors.Join(unlockErr, closeErr)
}

func (f *propertiesFile) writeLocked() error {
	var buf bytes.Buffer
	if f.header != "" {
		buf.WriteString("#" + f.header + "\n")
	}
	buf.WriteString("#" + time.Now().UTC().Format(time.RFC1123) + "\n")
	if _, err := f.props.Write(&buf, properties.UTF8); err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := out.Write(buf.Bytes()); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func loadProperties(data []byte) (*properties.Properties, error) {
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	return loader.LoadBytes(joinSurrogateEscapes(data))
}

// joinSurrogateEscapes rewrites \uD83D\uDE00 style pairs, as written by
// Properties.store for characters outside the BMP, into UTF-8. Every other
// escape is copied through unchanged.
func joinSurrogateEscapes(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' || i+1 >= len(data) {
			out = append(out, data[i])
			continue
		}
		if data[i+1] == 'u' {
			high, okHigh := unicodeEscape(data, i)
			low, okLow := unicodeEscape(data, i+6)
			if okHigh && okLow && utf16.IsSurrogate(high) && high < 0xdc00 && low >= 0xdc00 && low <= 0xdfff {
				out = utf8.AppendRune(out, utf16.DecodeRune(high, low))
				i += 11
				continue
			}
		}
		out = append(out, data[i], data[i+1])
		i++
	}
	return out
}

func unicodeEscape(data []byte, at int) (rune, bool) {
	if at+6 > len(data) || data[at] != '\\' || data[at+1] != 'u' {
		return 0, false
	}
	code, err := strconv.ParseUint(string(data[at+2:at+6]), 16, 16)
	if err != nil {
		return 0, false
	}
	return rune(code), true
}
