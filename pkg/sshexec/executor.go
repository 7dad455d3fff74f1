// Package sshexec runs shell commands on a tenant host over a multiplexed SSH
// connection.
package sshexec

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

// DefaultUser is the remote user on tenant machines.
const DefaultUser = "ec2-user"

var ErrNoAddress = errors.New("host has no address")

// An Executor uses one SSH connection to execute commands on a host. It
// reconnects after errors. Host keys are not verified: tenants are ephemeral
// build machines.
type Executor struct {
	host    string
	port    string
	user    string
	signers []ssh.Signer
	timeout time.Duration

	mtx    sync.Mutex
	client *ssh.Client
}

// New returns an executor for host. An empty user means DefaultUser.
func New(host, user string, signers ...ssh.Signer) *Executor {
	if user == "" {
		user = DefaultUser
	}
	return &Executor{
		host:    host,
		port:    "22",
		user:    user,
		signers: signers,
		timeout: time.Minute,
	}
}

// LoadSigner parses a private key file.
func LoadSigner(fs afero.Fs, path string) (ssh.Signer, error) {
	key, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "read ssh key")
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse ssh key")
	}
	return signer, nil
}

// Host returns the target host.
func (e *Executor) Host() string {
	return e.host
}

// Execute runs cmd on the host and returns its stdout and stderr. The command
// is abandoned, and the connection dropped, when ctx is done.
func (e *Executor) Execute(ctx context.Context, cmd string) ([]byte, []byte, error) {
	session, err := e.newSession()
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()
	select {
	case err = <-done:
		return stdout.Bytes(), stderr.Bytes(), err
	case <-ctx.Done():
		session.Close()
		e.Close()
		// the buffers are owned by the session until Run returns
		<-done
		return stdout.Bytes(), stderr.Bytes(), ctx.Err()
	}
}

// Close shuts down the active connection, if any.
func (e *Executor) Close() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
}

// newSession opens a session on the current connection, dialing a new one if
// the current connection is missing or broken.
func (e *Executor) newSession() (*ssh.Session, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.client != nil {
		session, err := e.client.NewSession()
		if err == nil {
			return session, nil
		}
		go e.client.Close()
		e.client = nil
	}

	client, err := e.dial()
	if err != nil {
		return nil, err
	}
	e.client = client
	session, err := client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "new ssh session")
	}
	return session, nil
}

func (e *Executor) dial() (*ssh.Client, error) {
	if e.host == "" {
		return nil, ErrNoAddress
	}
	addr := e.host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(e.host, e.port)
	}
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User: e.user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(e.signers...),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.timeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return client, nil
}
