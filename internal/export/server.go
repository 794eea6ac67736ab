package export

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"btrfsdiff/internal/util"
)

// handleCacheSize bounds the file handles the caching handler remembers.
const handleCacheSize = 65536

// Server serves a frozen set read-only over NFSv3.
type Server struct {
	mu       sync.Mutex
	listener net.Listener
	server   *nfs.Server
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewServer creates a server for fs. It does not listen until Serve.
func NewServer(fs *FS) *Server {
	// Set go-nfs log level to match ours
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}
	handler := nfshelper.NewNullAuthHandler(fs)
	cacheHelper := nfshelper.NewCachingHandler(handler, handleCacheSize)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		server: &nfs.Server{Handler: cacheHelper, Context: ctx},
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Listen binds addr and returns the bound address. Port 0 picks a free one.
// An address still in use is retried briefly before giving up.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ctx := context.Background()
	listener, err := util.RetryWithResult(ctx, func() (net.Listener, error) {
		return net.Listen("tcp", addr)
	}, util.ListenRetryOptions(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	log.Infof("[Export] NFS listening on %s", listener.Addr())
	return listener.Addr(), nil
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("export: Serve called before Listen")
	}
	err := s.server.Serve(listener)
	select {
	case <-s.done:
		return nil
	default:
		return err
	}
}

// Shutdown closes the listener and cancels in-flight handlers. It is safe
// to call more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.cancel()
	log.Debug("[Export] NFS server stopped")
}
