package transfer

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/juju/ratelimit"

	"github.com/kebairia/sitebackup/internal/logger"
)

var (
	ErrUnknownMethod         = errors.New("unknown transfer method")
	ErrChecksumMismatch      = errors.New("checksum mismatch")
	ErrRemoteDirMissing      = errors.New("remote directory does not exist")
	ErrCleanupUnsupported    = errors.New("remote cleanup is not supported for this method")
	ErrPasswordHelperMissing = errors.New("sshpass is required for password authentication over rsync but was not found in PATH")
	// ErrClientSetup marks failures on this host, before anything is sent
	// to the server: unreadable key files, bad known_hosts.
	ErrClientSetup = errors.New("local client setup failed")
)

// Method moves one artifact to one server and checks it arrived intact.
type Method interface {
	Upload(ctx context.Context, file string, srv Server) error
	Verify(ctx context.Context, file string, srv Server) error
	Test(ctx context.Context, srv Server) error
}

// Cleaner is implemented by methods that can prune old remote artifacts.
type Cleaner interface {
	Cleanup(ctx context.Context, srv Server, days int) error
}

// Tooling locates external helpers and throttles uploads.
type Tooling struct {
	Rsync   string
	SSHPass string
	// RateLimit caps upload bandwidth in KB/s; 0 disables throttling.
	RateLimit int
	LookPath  func(string) (string, error)
	Logger    logger.Logger
}

func (t Tooling) lookPath(name string) (string, error) {
	if t.LookPath != nil {
		return t.LookPath(name)
	}
	return exec.LookPath(name)
}

// throttle wraps r so it is read no faster than the rate limit.
func (t Tooling) throttle(r io.Reader) io.Reader {
	if t.RateLimit <= 0 {
		return r
	}
	rate := float64(t.RateLimit) * 1024
	return ratelimit.Reader(r, ratelimit.NewBucketWithRate(rate, int64(rate)))
}

// NewMethods returns the built-in methods keyed by name.
func NewMethods(tools Tooling) map[string]Method {
	ssh := &sshMethod{tools: tools}
	return map[string]Method{
		MethodSSH:   ssh,
		MethodSFTP:  ssh,
		MethodFTP:   &ftpMethod{tools: tools},
		MethodRsync: &rsyncMethod{tools: tools, ssh: ssh},
		MethodS3:    &s3Method{log: tools.Logger},
	}
}

// MethodInfo reports whether a method can be used on this host.
type MethodInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Note      string `json:"note,omitempty"`
}

// AvailableMethods reports which methods this host can use. Only rsync
// depends on an external program; password auth for rsync over SSH also
// needs sshpass.
func AvailableMethods(tools Tooling) []MethodInfo {
	_, rsyncErr := tools.lookPath(tools.Rsync)
	_, passErr := tools.lookPath(tools.SSHPass)
	rsync := MethodInfo{ID: MethodRsync, Name: "Rsync", Available: rsyncErr == nil}
	switch {
	case rsyncErr != nil:
		rsync.Note = "rsync not found in PATH"
	case passErr != nil:
		rsync.Note = "sshpass not found: key authentication only"
	}
	return []MethodInfo{
		{ID: MethodSSH, Name: "SSH/SFTP", Available: true},
		{ID: MethodFTP, Name: "FTP", Available: true},
		rsync,
		{ID: MethodS3, Name: "S3/Compatible", Available: true},
	}
}

// remotePath joins the file's base name onto the server directory.
func remotePath(srv Server, file string) string {
	return path.Join(srv.Path, path.Base(strings.ReplaceAll(file, "\\", "/")))
}

func fileHash(file string, h hash.Hash) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256File returns the hex SHA-256 of a file's content.
func SHA256File(file string) (string, error) { return fileHash(file, sha256.New()) }

// MD5File returns the hex MD5 of a file's content, as S3 reports it for
// single-part uploads.
func MD5File(file string) (string, error) { return fileHash(file, md5.New()) }

func compareHash(local, remote string) error {
	if !strings.EqualFold(strings.TrimSpace(local), strings.TrimSpace(remote)) {
		return fmt.Errorf("%w: local %s, remote %s", ErrChecksumMismatch, local, remote)
	}
	return nil
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
