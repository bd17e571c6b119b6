package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/jlaffaye/ftp"
)

// ftpMethod uploads in binary passive mode and verifies by downloading the
// file back.
type ftpMethod struct {
	tools Tooling
}

func (m *ftpMethod) login(ctx context.Context, srv Server) (*ftp.ServerConn, error) {
	c, err := ftp.Dial(srv.Addr(), ftp.DialWithContext(ctx), ftp.DialWithTimeout(dialTimeout))
	if err != nil {
		return nil, err
	}
	if err := c.Login(srv.User, srv.Password); err != nil {
		_ = c.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	if srv.Path != "" {
		if err := c.ChangeDir(srv.Path); err != nil {
			_ = c.Quit()
			return nil, fmt.Errorf("%w: %s: %v", ErrRemoteDirMissing, srv.Path, err)
		}
	}
	return c, nil
}

func (m *ftpMethod) Upload(ctx context.Context, file string, srv Server) error {
	src, err := os.Open(file)
	if err != nil {
		return err
	}
	defer src.Close()

	c, err := m.login(ctx, srv)
	if err != nil {
		return err
	}
	defer c.Quit()

	if err := c.Stor(path.Base(file), m.tools.throttle(src)); err != nil {
		return fmt.Errorf("ftp upload: %w", err)
	}
	return nil
}

func (m *ftpMethod) Verify(ctx context.Context, file string, srv Server) error {
	local, err := SHA256File(file)
	if err != nil {
		return err
	}
	c, err := m.login(ctx, srv)
	if err != nil {
		return err
	}
	defer c.Quit()

	resp, err := c.Retr(path.Base(file))
	if err != nil {
		return fmt.Errorf("ftp download: %w", err)
	}
	h := sha256.New()
	_, copyErr := io.Copy(h, resp)
	if err := resp.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return fmt.Errorf("ftp download: %w", copyErr)
	}
	return compareHash(local, hex.EncodeToString(h.Sum(nil)))
}

func (m *ftpMethod) Test(ctx context.Context, srv Server) error {
	c, err := m.login(ctx, srv)
	if err != nil {
		return err
	}
	return c.Quit()
}
