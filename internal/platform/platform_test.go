package platform

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/structura-bim/structura/internal/store"
)

func TestValidateDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "act.pdf")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing dir", dir, false},
		{"padded", "  " + dir + " ", false},
		{"empty", "", true},
		{"missing", filepath.Join(dir, "nope"), true},
		{"file", file, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDirectory(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "acts"), ExpandHome("~/acts"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/abs/~x", ExpandHome("/abs/~x"))
	assert.Equal(t, "~user/x", ExpandHome("~user/x"))
}

func TestSystemOpener(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "act.pdf")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	var opened string
	o := &SystemOpener{command: func(ctx context.Context, path string) *exec.Cmd {
		opened = path
		return exec.CommandContext(ctx, os.Args[0], "-test.run=^$")
	}}

	require.NoError(t, o.OpenPath(ctx, file))
	assert.Equal(t, file, opened)

	assert.ErrorIs(t, o.OpenPath(ctx, ""), store.ErrValidation)
	assert.ErrorIs(t, o.OpenPath(ctx, filepath.Join(t.TempDir(), "missing.pdf")), store.ErrNotFound)
}

type fakeResolver struct {
	addrs []string
	err   error
	delay time.Duration
}

func (f fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.addrs, f.err
}

func TestDNSProbe(t *testing.T) {
	ctx := context.Background()

	online := &DNSProbe{resolver: fakeResolver{addrs: []string{"142.250.74.46"}}}
	assert.True(t, online.IsOnline(ctx))

	offline := &DNSProbe{resolver: fakeResolver{err: errors.New("no such host")}}
	assert.False(t, offline.IsOnline(ctx))

	slow := &DNSProbe{Timeout: 10 * time.Millisecond, resolver: fakeResolver{addrs: []string{"1.1.1.1"}, delay: time.Second}}
	start := time.Now()
	assert.False(t, slow.IsOnline(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
