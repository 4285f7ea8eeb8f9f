package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"bklv/p2p-share/pkg/protocol"
	"bklv/p2p-share/pkg/transport/tcp"
)

var ErrNotConnected = errors.New("not connected to registry")

// RegistryError is an ERROR response from the registry.
type RegistryError struct {
	Action protocol.Action
	Reason string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry rejected %s: %s", e.Action, e.Reason)
}

// RegistryClient owns one control connection. Requests are serialized so
// every response is matched with the request that caused it.
type RegistryClient struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	r    *protocol.LineReader
}

func DialRegistry(ctx context.Context, addr string, timeout time.Duration) (*RegistryClient, error) {
	conn, err := tcp.Dial(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	return &RegistryClient{
		addr:    addr,
		timeout: timeout,
		conn:    conn,
		r:       protocol.NewLineReader(conn, protocol.MaxLineSize),
	}, nil
}

func (c *RegistryClient) Addr() string {
	return c.addr
}

// Connected reports whether the connection is still usable. An I/O failure
// drops it.
func (c *RegistryClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Do sends one command and waits for its response. ERROR responses come
// back as *RegistryError alongside the decoded response.
func (c *RegistryClient) Do(cmd protocol.Command) (protocol.Response, error) {
	line, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return protocol.Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return protocol.Response{}, ErrNotConnected
	}

	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if _, err := c.conn.Write(line); err != nil {
		c.dropLocked()
		return protocol.Response{}, fmt.Errorf("failed to send %s: %w", cmd.Action(), err)
	}
	reply, err := c.r.ReadLine()
	if err != nil {
		c.dropLocked()
		return protocol.Response{}, fmt.Errorf("failed to read %s response: %w", cmd.Action(), err)
	}
	resp, err := protocol.DecodeResponse(reply)
	if err != nil {
		c.dropLocked()
		return protocol.Response{}, err
	}
	if resp.Status == protocol.StatusError {
		return resp, &RegistryError{Action: cmd.Action(), Reason: resp.Reason}
	}
	return resp, nil
}

func (c *RegistryClient) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *RegistryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *RegistryClient) Register(hostname, displayName string, port int, files map[string]protocol.FileSnapshot) error {
	_, err := c.Do(protocol.Register{Hostname: hostname, Port: port, DisplayName: displayName, Files: files})
	return err
}

func (c *RegistryClient) Publish(hostname string, f FileMeta) error {
	_, err := c.Do(protocol.Publish{Hostname: hostname, Fname: f.Name, Size: f.Size, Modified: protocol.At(f.Modified)})
	return err
}

func (c *RegistryClient) Unpublish(hostname, name string) error {
	_, err := c.Do(protocol.Unpublish{Hostname: hostname, Fname: name})
	return err
}

// Request returns every host publishing name; none is not an error.
func (c *RegistryClient) Request(name string) ([]protocol.HostEntry, error) {
	resp, err := c.Do(protocol.Request{Fname: name})
	if err != nil {
		return nil, err
	}
	if resp.Status == protocol.StatusNotFound {
		return nil, nil
	}
	return resp.Hosts, nil
}

func (c *RegistryClient) Discover(hostname string) (map[string]protocol.FileInfo, protocol.Addr, error) {
	resp, err := c.Do(protocol.Discover{Hostname: hostname})
	if err != nil {
		return nil, protocol.Addr{}, err
	}
	var addr protocol.Addr
	if resp.Addr != nil {
		addr = *resp.Addr
	}
	return resp.Files, addr, nil
}

// Ping asks whether target is registered. from names the sender for a
// connection that has not registered.
func (c *RegistryClient) Ping(from, target string) (bool, error) {
	resp, err := c.Do(protocol.Ping{Target: target, From: from})
	if err != nil {
		return false, err
	}
	return resp.Status == protocol.StatusAlive, nil
}

func (c *RegistryClient) Unregister(hostname string) error {
	_, err := c.Do(protocol.Unregister{Hostname: hostname})
	return err
}

func (c *RegistryClient) List() (map[string]protocol.HostSnapshot, []string, error) {
	resp, err := c.Do(protocol.List{})
	if err != nil {
		return nil, nil, err
	}
	return resp.Registry, resp.Order, nil
}
