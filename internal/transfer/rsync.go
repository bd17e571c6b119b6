package transfer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// rsyncMethod shells out to rsync, either over SSH or against an rsync
// daemon.
type rsyncMethod struct {
	tools Tooling
	ssh   *sshMethod
}

// command builds the rsync invocation for srv. Password authentication
// over SSH is fed through sshpass, which must be installed.
func (m *rsyncMethod) command(ctx context.Context, srv Server, args ...string) (*exec.Cmd, error) {
	rsync := m.tools.Rsync
	if rsync == "" {
		rsync = "rsync"
	}
	env := os.Environ()
	name := rsync
	var pre []string

	if srv.SSH {
		shell := []string{"ssh", "-o", "ConnectTimeout=10"}
		if srv.Port != 0 {
			shell = append(shell, "-p", strconv.Itoa(srv.Port))
		}
		if srv.KeyFile != "" {
			shell = append(shell, "-i", srv.KeyFile, "-o", "BatchMode=yes")
		}
		if srv.KnownHosts != "" {
			shell = append(shell, "-o", "UserKnownHostsFile="+srv.KnownHosts, "-o", "StrictHostKeyChecking=yes")
		} else {
			shell = append(shell, "-o", "StrictHostKeyChecking=no")
		}
		pre = append(pre, "-e", strings.Join(shell, " "))

		if srv.Password != "" && srv.KeyFile == "" {
			helper := m.tools.SSHPass
			if helper == "" {
				helper = "sshpass"
			}
			path, err := m.tools.lookPath(helper)
			if err != nil {
				return nil, ErrPasswordHelperMissing
			}
			name = path
			pre = append([]string{"-e", rsync}, pre...)
			env = append(env, "SSHPASS="+srv.Password)
		}
	} else if srv.Password != "" {
		env = append(env, "RSYNC_PASSWORD="+srv.Password)
	}

	cmd := exec.CommandContext(ctx, name, append(pre, args...)...)
	cmd.Env = env
	return cmd, nil
}

// destination returns the rsync target for the server directory.
func (m *rsyncMethod) destination(srv Server) string {
	dir := strings.TrimSuffix(srv.Path, "/") + "/"
	user := ""
	if srv.User != "" {
		user = srv.User + "@"
	}
	if srv.SSH {
		return fmt.Sprintf("%s%s:%s", user, srv.Host, dir)
	}
	return fmt.Sprintf("rsync://%s%s/%s", user, srv.Addr(), strings.TrimPrefix(dir, "/"))
}

func (m *rsyncMethod) uploadArgs(file string, srv Server) []string {
	args := []string{"-az", "--partial", "--checksum"}
	if m.tools.RateLimit > 0 {
		args = append(args, "--bwlimit="+strconv.Itoa(m.tools.RateLimit))
	}
	return append(args, file, m.destination(srv))
}

func (m *rsyncMethod) Upload(ctx context.Context, file string, srv Server) error {
	if _, err := os.Stat(file); err != nil {
		return err
	}
	cmd, err := m.command(ctx, srv, m.uploadArgs(file, srv)...)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync: %w: %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}

// Verify hashes the remote copy over SSH. In daemon mode there is no
// remote shell, so rsync's own transfer checksum is relied on.
func (m *rsyncMethod) Verify(ctx context.Context, file string, srv Server) error {
	if !srv.SSH {
		return nil
	}
	return m.ssh.Verify(ctx, file, srv)
}

func (m *rsyncMethod) Test(ctx context.Context, srv Server) error {
	if srv.SSH {
		if srv.Password != "" && srv.KeyFile == "" {
			if _, err := m.command(ctx, srv); err != nil {
				return err
			}
		}
		return m.ssh.Test(ctx, srv)
	}
	cmd, err := m.command(ctx, srv, "--list-only", m.destination(srv))
	if err != nil {
		return err
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rsync: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Cleanup is only possible over SSH.
func (m *rsyncMethod) Cleanup(ctx context.Context, srv Server, days int) error {
	if !srv.SSH {
		return ErrCleanupUnsupported
	}
	return m.ssh.Cleanup(ctx, srv, days)
}
