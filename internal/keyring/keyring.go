// Package keyring manages the signing key of an instance by driving the
// external gpg binary against an instance-private GNUPGHOME. Mutations run
// as tasks and thus inherit the instance worker's exclusivity: no build
// signs while the keyring is being regenerated.
package keyring

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Info is the metadata of the instance's active signing key.
type Info struct {
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time // Zero for a key without expiry
}

// Manager owns one instance's keyring directory.
type Manager struct {
	// Home is the GNUPGHOME directory, private to the instance.
	Home string

	// Name and Email identify the key holder, from the instance config.
	Name  string
	Email string
}

// Create generates a new signing key pair, overwriting an existing keyring.
// Destructive and therefore only reachable through an explicit keyring
// creation task.
func (m *Manager) Create(ctx context.Context, expiry time.Time) error {
	// A fresh GNUPGHOME: creation replaces the previous key entirely
	if err := os.RemoveAll(m.Home); err != nil {
		return fmt.Errorf("failed to clear keyring directory %s: %w", m.Home, err)
	}
	if err := os.MkdirAll(m.Home, 0700); err != nil {
		return fmt.Errorf("failed to create keyring directory %s: %w", m.Home, err)
	}

	expire := "0"
	if !expiry.IsZero() {
		expire = expiry.UTC().Format("20060102T150405")
	}
	params := fmt.Sprintf(`%%no-protection
Key-Type: RSA
Key-Length: 4096
Key-Usage: sign
Name-Real: %s
Name-Email: %s
Expire-Date: %s
%%commit
`, m.Name, m.Email, expire)

	cmd := exec.CommandContext(ctx, "gpg", "--batch", "--gen-key")
	cmd.Env = m.env()
	cmd.Stdin = strings.NewReader(params)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gpg key generation failed: %w: %s", err, output)
	}
	return nil
}

// Renew changes the active key's expiry.
func (m *Manager) Renew(ctx context.Context, expiry time.Time) error {
	info, err := m.Info(ctx)
	if err != nil {
		return err
	}

	expire := "never"
	if !expiry.IsZero() {
		expire = expiry.UTC().Format("20060102T150405")
	}
	cmd := exec.CommandContext(ctx, "gpg", "--batch", "--quick-set-expire", info.Fingerprint, expire)
	cmd.Env = m.env()
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gpg key renewal failed: %w: %s", err, output)
	}
	return nil
}

// Export returns the armored public key.
func (m *Manager) Export(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "gpg", "--armor", "--export")
	cmd.Env = m.env()
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gpg key export failed: %w", err)
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("keyring %s holds no key", m.Home)
	}
	return out.String(), nil
}

// Info returns the active key's metadata.
func (m *Manager) Info(ctx context.Context) (*Info, error) {
	cmd := exec.CommandContext(ctx, "gpg", "--list-keys", "--with-colons")
	cmd.Env = m.env()
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gpg key listing failed: %w", err)
	}
	info, err := ParseColons(string(output))
	if err != nil {
		return nil, fmt.Errorf("keyring %s: %w", m.Home, err)
	}
	return info, nil
}

// env builds the gpg environment pinned to the instance keyring.
func (m *Manager) env() []string {
	return append(os.Environ(), "GNUPGHOME="+m.Home)
}

// ParseColons extracts the first public key's fingerprint and timestamps
// from gpg --with-colons output.
func ParseColons(output string) (*Info, error) {
	var info Info
	sawPub := false
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Split(line, ":")
		switch fields[0] {
		case "pub":
			if sawPub {
				continue
			}
			sawPub = true
			// Field 6 is creation, field 7 expiry, both Unix seconds
			if len(fields) > 5 && fields[5] != "" {
				if ts, err := strconv.ParseInt(fields[5], 10, 64); err == nil {
					info.CreatedAt = time.Unix(ts, 0)
				}
			}
			if len(fields) > 6 && fields[6] != "" {
				if ts, err := strconv.ParseInt(fields[6], 10, 64); err == nil {
					info.ExpiresAt = time.Unix(ts, 0)
				}
			}
		case "fpr":
			if info.Fingerprint == "" && len(fields) > 9 {
				info.Fingerprint = fields[9]
			}
		}
	}
	if !sawPub || info.Fingerprint == "" {
		return nil, fmt.Errorf("no signing key found")
	}
	return &info, nil
}
