package publish

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"cms-extractor/internal/config"
)

const sftpDialTimeout = 20 * time.Second

type SFTPPublisher struct {
	client *sftp.Client
	dir    string
	conn   io.Closer

	mkdirOnce sync.Once
	mkdirErr  error
}

// NewSFTPPublisher publishes into dir through an existing client.
// *sftp.Client is safe for concurrent use.
func NewSFTPPublisher(client *sftp.Client, dir string) *SFTPPublisher {
	if dir == "" {
		dir = "."
	}
	return &SFTPPublisher{client: client, dir: dir}
}

// DialSFTP opens an SSH connection with password auth and starts an SFTP session.
func DialSFTP(ctx context.Context, cfg config.SFTPConfig) (*SFTPPublisher, error) {
	if cfg.Host == "" || cfg.User == "" || cfg.Pass == "" {
		return nil, fmt.Errorf("sftp: missing SFTP_HOST / SFTP_USER / SFTP_PASS")
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}

	cb, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Pass)},
		HostKeyCallback: cb,
		Timeout:         sftpDialTimeout,
	}

	addr := cfg.Addr()
	dialer := net.Dialer{Timeout: sftpDialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sftp: dial error: %w", err)
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshCfg)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("sftp: ssh handshake: %w", err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	sftpCli, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("sftp: new client: %w", err)
	}

	p := NewSFTPPublisher(sftpCli, cfg.Dir)
	p.conn = sshClient
	return p, nil
}

func hostKeyCallback(cfg config.SFTPConfig) (ssh.HostKeyCallback, error) {
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("sftp: known hosts: %w", err)
		}
		return cb, nil
	}
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return nil, fmt.Errorf("sftp: no host key verification configured")
}

func (p *SFTPPublisher) Name() string { return "sftp" }

func (p *SFTPPublisher) Upload(ctx context.Context, f File) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Asegura dir destino
	p.mkdirOnce.Do(func() {
		if err := p.client.MkdirAll(p.dir); err != nil {
			p.mkdirErr = fmt.Errorf("sftp: mkdir %s: %w", p.dir, err)
		}
	})
	if p.mkdirErr != nil {
		return p.mkdirErr
	}

	src, err := os.Open(f.LocalPath)
	if err != nil {
		return fmt.Errorf("sftp: open local file: %w", err)
	}
	defer src.Close()

	remotePath := path.Join(p.dir, f.Name)
	dst, err := p.client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("sftp: create remote file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("sftp: upload copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("sftp: close remote file: %w", err)
	}
	return nil
}

func (p *SFTPPublisher) Close() error {
	err := p.client.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
