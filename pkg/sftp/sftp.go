// Package sftp is a thin external-collaborator wrapper around
// github.com/pkg/sftp, exposed through Toolkit.GetSFTP()/GetSCP(). It does
// not participate in the phase machine: file transfer is plumbing, not a
// command container.
package sftp

import (
	"io"
	"os"

	"github.com/pkg/sftp"

	tkerrors "github.com/sshtoolkit/sshtoolkit/pkg/errors"
	"github.com/sshtoolkit/sshtoolkit/pkg/sshclient"
)

// Client wraps an *sftp.Client bound to the toolkit's shared SSH transport.
type Client struct {
	inner *sftp.Client
}

// New opens an SFTP session over transport's underlying connection.
func New(transport *sshclient.Client) (*Client, error) {
	inner, err := sftp.NewClient(transport.Underlying())
	if err != nil {
		return nil, tkerrors.New(tkerrors.KindConnectionFailure, "open sftp session", err)
	}
	return &Client{inner: inner}, nil
}

// Get downloads remotePath to localPath.
func (c *Client) Get(remotePath, localPath string) error {
	remote, err := c.inner.Open(remotePath)
	if err != nil {
		return tkerrors.New(tkerrors.KindExecutionFailure, "open remote file "+remotePath, err)
	}
	defer remote.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return tkerrors.New(tkerrors.KindExecutionFailure, "create local file "+localPath, err)
	}
	defer local.Close()

	if _, err := io.Copy(local, remote); err != nil {
		return tkerrors.New(tkerrors.KindExecutionFailure, "copy "+remotePath+" to "+localPath, err)
	}
	return nil
}

// Put uploads localPath to remotePath.
func (c *Client) Put(localPath, remotePath string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return tkerrors.New(tkerrors.KindExecutionFailure, "open local file "+localPath, err)
	}
	defer local.Close()

	remote, err := c.inner.Create(remotePath)
	if err != nil {
		return tkerrors.New(tkerrors.KindExecutionFailure, "create remote file "+remotePath, err)
	}
	defer remote.Close()

	if _, err := io.Copy(remote, local); err != nil {
		return tkerrors.New(tkerrors.KindExecutionFailure, "copy "+localPath+" to "+remotePath, err)
	}
	return nil
}

// Mkdir creates remoteDir, following sftp.Client's mkdir-one-level
// semantics; callers wanting mkdir -p should split the path themselves.
func (c *Client) Mkdir(remoteDir string) error {
	if err := c.inner.Mkdir(remoteDir); err != nil {
		return tkerrors.New(tkerrors.KindExecutionFailure, "mkdir "+remoteDir, err)
	}
	return nil
}

// Remove deletes remotePath.
func (c *Client) Remove(remotePath string) error {
	if err := c.inner.Remove(remotePath); err != nil {
		return tkerrors.New(tkerrors.KindExecutionFailure, "remove "+remotePath, err)
	}
	return nil
}

// Close ends the SFTP session. It does not close the underlying transport,
// which the pool and other leased environments continue to share.
func (c *Client) Close() error {
	return c.inner.Close()
}
