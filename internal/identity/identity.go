// Package identity resolves the stable client identity that every delivered
// event carries.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventflow/internal/logger"
)

// ErrNoIdentity is returned by providers that cannot produce a value.
var ErrNoIdentity = errors.New("no identity available")

// Provider resolves an identity. Resolve may block; the gate calls it once
// from its own goroutine.
type Provider interface {
	Resolve(ctx context.Context) (string, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context) (string, error)

// Resolve implements Provider.
func (f Func) Resolve(ctx context.Context) (string, error) { return f(ctx) }

// Static always resolves to id.
func Static(id string) Provider {
	return Func(func(context.Context) (string, error) { return id, nil })
}

// Random resolves to a fresh UUIDv4.
func Random() Provider {
	return Func(func(context.Context) (string, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("generate identity: %w", err)
		}
		return id.String(), nil
	})
}

// Once memoizes p: the first result, success or failure, is returned to
// every later caller for the lifetime of the process.
func Once(p Provider) Provider {
	var (
		once sync.Once
		id   string
		err  error
	)
	return Func(func(ctx context.Context) (string, error) {
		once.Do(func() { id, err = p.Resolve(ctx) })
		return id, err
	})
}

// Fingerprint resolves with primary and falls back to a hash of attrs when
// primary fails. The fallback never fails unless attrs is empty.
func Fingerprint(primary Provider, attrs []string) Provider {
	return Func(func(ctx context.Context) (string, error) {
		if primary != nil {
			id, err := primary.Resolve(ctx)
			if err == nil && id != "" {
				return id, nil
			}
			log := logger.WithComponent("identity")
			log.Warn().Err(err).Msg("primary identity failed, using fallback fingerprint")
		}
		if len(attrs) == 0 {
			return "", ErrNoIdentity
		}
		return FallbackHash(attrs), nil
	})
}

// FallbackHash joins attrs with "|" and folds them into a 32-bit rolling
// hash (h = h*31 + c), rendered as the absolute value in base 36.
func FallbackHash(attrs []string) string {
	data := strings.Join(attrs, "|")
	var h int32
	for _, c := range utf16Units(data) {
		h = h*31 + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}

// utf16Units iterates code units the way browser string hashing does, so
// the same attributes give the same fallback on both sides.
func utf16Units(s string) []uint16 {
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if r >= 0x10000 {
			r -= 0x10000
			units = append(units, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
			continue
		}
		units = append(units, uint16(r))
	}
	return units
}

// HostAttributes describes the running process for fallback fingerprints:
// hostname, platform, user and timezone offset in minutes.
func HostAttributes() []string {
	host, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	_, offset := time.Now().Zone()

	return []string{
		host,
		runtime.GOOS + "/" + runtime.GOARCH,
		username,
		strconv.Itoa(-offset / 60),
	}
}
