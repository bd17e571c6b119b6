package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const dialTimeout = 10 * time.Second

// sshMethod copies artifacts over SFTP and checks them with a remote
// sha256sum.
type sshMethod struct {
	tools Tooling
}

func clientConfig(srv Server) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if srv.KeyFile != "" {
		pem, err := os.ReadFile(srv.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read key file: %w", ErrClientSetup, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && srv.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(srv.Password))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parse key file: %w", ErrClientSetup, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if srv.Password != "" {
		pw := srv.Password
		auth = append(auth,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if srv.KnownHosts != "" {
		cb, err := knownhosts.New(srv.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("%w: load known_hosts: %w", ErrClientSetup, err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            srv.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         dialTimeout,
	}, nil
}

// connect dials srv. The connection is torn down when ctx ends so a hung
// server cannot outlive the attempt.
func connect(ctx context.Context, srv Server) (*ssh.Client, error) {
	cfg, err := clientConfig(srv)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", srv.Addr())
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, srv.Addr(), cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)
	context.AfterFunc(ctx, func() { client.Close() })
	return client, nil
}

func run(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()
	out, err := session.CombinedOutput(cmd)
	if err != nil {
		return "", fmt.Errorf("remote %q: %w: %s", strings.Fields(cmd)[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (m *sshMethod) Upload(ctx context.Context, file string, srv Server) error {
	client, err := connect(ctx, srv)
	if err != nil {
		return err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("start sftp: %w", err)
	}
	defer sc.Close()

	if err := statDir(sc, srv.Path); err != nil {
		return err
	}

	src, err := os.Open(file)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := sc.Create(remotePath(srv, file))
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	if _, err := io.Copy(dst, m.tools.throttle(src)); err != nil {
		dst.Close()
		return fmt.Errorf("upload: %w", err)
	}
	return dst.Close()
}

func statDir(sc *sftp.Client, dir string) error {
	if dir == "" {
		return nil
	}
	info, err := sc.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrRemoteDirMissing, dir)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRemoteDirMissing, dir)
	}
	return nil
}

func (m *sshMethod) Verify(ctx context.Context, file string, srv Server) error {
	local, err := SHA256File(file)
	if err != nil {
		return err
	}
	client, err := connect(ctx, srv)
	if err != nil {
		return err
	}
	defer client.Close()

	out, err := run(client, "sha256sum "+shellQuote(remotePath(srv, file)))
	if err != nil {
		return err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty sha256sum output", ErrChecksumMismatch)
	}
	return compareHash(local, fields[0])
}

func (m *sshMethod) Test(ctx context.Context, srv Server) error {
	client, err := connect(ctx, srv)
	if err != nil {
		return err
	}
	defer client.Close()

	out, err := run(client, "echo OK")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "OK" {
		return fmt.Errorf("unexpected reply %q", strings.TrimSpace(out))
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("start sftp: %w", err)
	}
	defer sc.Close()
	return statDir(sc, srv.Path)
}

// Cleanup deletes artifacts older than days from the server directory.
func (m *sshMethod) Cleanup(ctx context.Context, srv Server, days int) error {
	if err := CheckRemotePath(srv.Path); err != nil {
		return err
	}
	client, err := connect(ctx, srv)
	if err != nil {
		return err
	}
	defer client.Close()
	_, err = run(client, cleanupCommand(srv.Path, days))
	return err
}

func cleanupCommand(dir string, days int) string {
	return fmt.Sprintf(`find %s -maxdepth 1 -type f \( -name 'db_*' -o -name 'storage_*' \) -mtime +%d -delete`,
		shellQuote(dir), days)
}
