package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh/knownhosts"
)

// Failure kinds reported by Diagnose.
const (
	KindAuth          = "auth"
	KindMissingDir    = "missing_dir"
	KindRefused       = "refused"
	KindTimeout       = "timeout"
	KindHostKey       = "host_key"
	KindHelperMissing = "helper_missing"
	KindClientSetup   = "client_setup"
	KindChecksum      = "checksum"
	KindOther         = "other"
)

// ErrUnsafeRemotePath guards remote cleanup against deleting from an empty,
// relative or top-level directory.
var ErrUnsafeRemotePath = errors.New("refusing to clean up unsafe remote path")

// Result is the outcome of a connection test.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// Diagnose turns a method error into an operator-facing explanation.
func Diagnose(err error) Result {
	if err == nil {
		return Result{Success: true, Message: "Connection successful"}
	}
	kind, hint := classify(err)
	return Result{Kind: kind, Message: fmt.Sprintf("%s: %v", hint, err)}
}

func classify(err error) (kind, hint string) {
	msg := strings.ToLower(err.Error())

	var keyErr *knownhosts.KeyError
	var netErr net.Error
	switch {
	case errors.Is(err, ErrPasswordHelperMissing):
		return KindHelperMissing, "Password helper missing"
	case errors.Is(err, ErrClientSetup):
		return KindClientSetup, "Local SSH setup failed: check key_file and known_hosts on this host"
	case errors.Is(err, ErrChecksumMismatch):
		return KindChecksum, "Checksum verification failed"
	case errors.As(err, &keyErr) && len(keyErr.Want) > 0, strings.Contains(msg, "knownhosts: key mismatch"):
		return KindHostKey, "Host key mismatch: the server identity changed"
	case errors.As(err, &keyErr), strings.Contains(msg, "knownhosts: key is unknown"):
		return KindHostKey, "Host key unknown: add the server to known_hosts"
	case errors.Is(err, ErrRemoteDirMissing),
		strings.Contains(msg, "no such file or directory"),
		strings.Contains(msg, "nosuchbucket"):
		return KindMissingDir, "Remote directory does not exist"
	case errors.Is(err, syscall.ECONNREFUSED), strings.Contains(msg, "connection refused"):
		return KindRefused, "Connection refused: check host and port"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(), strings.Contains(msg, "i/o timeout"):
		return KindTimeout, "Connection timed out"
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "login incorrect"),
		strings.Contains(msg, "530 "),
		strings.Contains(msg, "invalidaccesskeyid"),
		strings.Contains(msg, "signaturedoesnotmatch"),
		strings.Contains(msg, "auth failed"):
		return KindAuth, "Authentication failed: check user and credentials"
	default:
		return KindOther, "Connection failed"
	}
}

// CheckRemotePath rejects directories that are unsafe to bulk-delete from:
// empty, relative, containing "..", or directly under the root.
func CheckRemotePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafeRemotePath)
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: %q is not absolute", ErrUnsafeRemotePath, p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q contains ..", ErrUnsafeRemotePath, p)
		}
	}
	clean := path.Clean(p)
	if strings.Count(clean, "/") < 2 {
		return fmt.Errorf("%w: %q is too close to the root", ErrUnsafeRemotePath, p)
	}
	return nil
}
