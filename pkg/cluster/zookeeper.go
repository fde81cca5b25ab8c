package cluster

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-zookeeper/zk"
)

// ZKMembership держит ephemeral-узел текущей ноды в ZooKeeper и
// собирает Topology из списка живых нод.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
	local    string // base URL ноды
	virtual  int
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath, localAddr string, virtual int, sessionTimeout time.Duration) (*ZKMembership, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = 5 * time.Second
	}
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "zk connect")
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: strings.TrimSuffix(rootPath, "/"),
		local:    localAddr,
		virtual:  virtual,
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) nodesPath() string {
	return m.rootPath + "/nodes"
}

func (m *ZKMembership) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// имя узла в ZK не может содержать '/', поэтому URL экранируется
func encodeNode(addr string) string {
	return url.QueryEscape(addr)
}

func decodeNodes(children []string) []string {
	out := make([]string, 0, len(children))
	for _, c := range children {
		addr, err := url.QueryUnescape(c)
		if err != nil {
			slog.Warn("skipping malformed zk member", "name", c, "error", err)
			continue
		}
		out = append(out, addr)
	}
	return out
}

// RegisterSelf создаёт ephemeral-узел для текущей ноды
func (m *ZKMembership) RegisterSelf(ctx context.Context) error {
	// Ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(ctx, 10*time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.nodesPath()); err != nil {
		return errors.Wrap(err, "ensure nodes path")
	}

	nodePath := m.nodesPath() + "/" + encodeNode(m.local)
	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrap(err, "create ephemeral node")
	}

	slog.Info("registered in zookeeper", "path", nodePath)
	return nil
}

// BuildTopology строит кольцо по текущему списку нод
func (m *ZKMembership) BuildTopology() (*Topology, error) {
	children, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		return nil, errors.Wrap(err, "zk children")
	}
	return NewTopology(decodeNodes(children), m.local, m.virtual)
}

// RunWatch следит за /nodes и отдаёт новое кольцо в update при каждом изменении.
// Возвращается, когда ctx отменён.
func (m *ZKMembership) RunWatch(ctx context.Context, update func(*Topology)) {
	for {
		children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
		if err != nil {
			slog.Warn("zk ChildrenW failed", "error", err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		// пересобираем кольцо
		topology, err := NewTopology(decodeNodes(children), m.local, m.virtual)
		if err != nil {
			// собственный узел ещё не виден или уже пропал
			slog.Warn("ignoring zk membership", "members", len(children), "error", err)
		} else {
			update(topology)
			slog.Info("topology updated", "nodes", topology.Nodes())
		}

		select {
		case ev := <-ch:
			slog.Debug("zk event", "type", ev.Type, "path", ev.Path)
		case <-ctx.Done():
			slog.Info("zk watch stopped")
			return
		}
	}
}

func (m *ZKMembership) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Newf("zk: not connected after %s, state=%v", timeout, st)
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
