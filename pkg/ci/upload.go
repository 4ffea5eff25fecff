package ci

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig configures the artifact upload target.
type SFTPConfig struct {
	Host string `validate:"required"`
	Port int
	User string `validate:"required"`

	// Password and PrivateKeyPath are alternative auth methods; at
	// least one must be set.
	Password       string
	PrivateKeyPath string

	// RemoteDir is the base directory on the artifact host. Uploads
	// land under RemoteDir/<run-id>/<job-id>/.
	RemoteDir string `validate:"required"`

	// InsecureIgnoreHostKey skips host key verification. Off by
	// default; only for ephemeral CI artifact hosts.
	InsecureIgnoreHostKey bool

	// KnownHostsCallback verifies the host key when
	// InsecureIgnoreHostKey is false.
	KnownHostsCallback ssh.HostKeyCallback

	ConnectTimeout time.Duration
}

// SFTPUploader persists failed-job artifacts to a remote host.
type SFTPUploader struct {
	config SFTPConfig
	logger zerolog.Logger
}

// NewSFTPUploader creates an uploader from the config.
func NewSFTPUploader(cfg SFTPConfig, logger zerolog.Logger) (*SFTPUploader, error) {
	if cfg.Password == "" && cfg.PrivateKeyPath == "" {
		return nil, fmt.Errorf("sftp uploader needs a password or a private key")
	}
	if !cfg.InsecureIgnoreHostKey && cfg.KnownHostsCallback == nil {
		return nil, fmt.Errorf("sftp uploader needs a host key callback")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &SFTPUploader{
		config: cfg,
		logger: logger.With().Str("component", "artifact-uploader").Logger(),
	}, nil
}

// Upload copies the job's artifacts to the remote host and returns
// them with RemotePath set.
func (u *SFTPUploader) Upload(ctx context.Context, runID string, job *TestJob, artifacts []Artifact) ([]Artifact, error) {
	client, conn, err := u.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer client.Close()

	remoteDir := path.Join(u.config.RemoteDir, runID, job.ID)
	if err := client.MkdirAll(remoteDir); err != nil {
		return nil, fmt.Errorf("creating remote directory %s: %w", remoteDir, err)
	}

	uploaded := make([]Artifact, 0, len(artifacts))
	for _, artifact := range artifacts {
		remotePath := remoteArtifactPath(remoteDir, artifact.Name)
		if parent := path.Dir(remotePath); parent != remoteDir {
			if err := client.MkdirAll(parent); err != nil {
				return uploaded, fmt.Errorf("creating remote directory %s: %w", parent, err)
			}
		}
		if err := u.uploadFile(ctx, client, artifact.Path, remotePath); err != nil {
			return uploaded, err
		}
		artifact.RemotePath = remotePath
		uploaded = append(uploaded, artifact)

		u.logger.Info().
			Str("job", job.ID).
			Str("remote", remotePath).
			Int64("bytes", artifact.Size).
			Msg("artifact uploaded")
	}

	return uploaded, nil
}

// remoteArtifactPath keeps the artifact's relative name under the job
// directory, so same-named files captured from different directories
// stay distinct on the remote host.
func remoteArtifactPath(jobDir, name string) string {
	return path.Join(jobDir, filepath.ToSlash(name))
}

func (u *SFTPUploader) dial() (*sftp.Client, *ssh.Client, error) {
	auth, err := u.authMethods()
	if err != nil {
		return nil, nil, err
	}

	hostKey := u.config.KnownHostsCallback
	if u.config.InsecureIgnoreHostKey {
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	addr := net.JoinHostPort(u.config.Host, strconv.Itoa(u.config.Port))
	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            u.config.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         u.config.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dialing artifact host %s: %w", addr, err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("starting sftp session: %w", err)
	}

	return client, conn, nil
}

func (u *SFTPUploader) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if u.config.PrivateKeyPath != "" {
		key, err := os.ReadFile(u.config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if u.config.Password != "" {
		methods = append(methods, ssh.Password(u.config.Password))
	}
	return methods, nil
}

func (u *SFTPUploader) uploadFile(ctx context.Context, client *sftp.Client, localPath, remotePath string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening artifact %s: %w", localPath, err)
	}
	defer local.Close()

	remote, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating remote file %s: %w", remotePath, err)
	}
	defer remote.Close()

	if _, err := copyWithContext(ctx, remote, local); err != nil {
		return fmt.Errorf("copying artifact to %s: %w", remotePath, err)
	}
	return nil
}

// copyWithContext copies src to dst while honoring cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
