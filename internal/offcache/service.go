package offcache

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInstall wraps any failure while pre-populating the static bucket.
	ErrInstall = errors.New("offcache: install failed")
	// ErrNotActive is returned when an operation needs an active service.
	ErrNotActive = errors.New("offcache: service not active")
)

// rootDocument is served to navigations when the origin is unreachable.
const rootDocument = "/index.html"

const installConcurrency = 8

type Service struct {
	cfg Config
	log *zap.Logger

	httpClient  *http.Client
	origin      *url.URL
	passthrough *httputil.ReverseProxy

	store *Storage
	state atomic.Int32

	stats *statsCollector

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// NewService wires a proxy over store. The service starts in the installing
// state and passes every request through until Start (or Install followed by
// Activate) succeeds.
func NewService(cfg Config, store *Storage, opts ...Option) (*Service, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	s := &Service{
		cfg:        cfg,
		log:        zap.NewNop(),
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		origin:     origin,
		store:      store,
		stats:      newStatsCollector(),
		stopCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.passthrough = s.newPassthrough()
	s.state.Store(int32(StateInstalling))

	if cfg.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}
	return s, nil
}

func (s *Service) State() State { return State(s.state.Load()) }

func (s *Service) Active() bool { return s.State() == StateActive }

func (s *Service) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Info("lifecycle", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
}

// Stats returns the current counters.
func (s *Service) Stats() StatsSnapshot { return s.stats.Snapshot() }

// Start installs and then activates. Install does not wait for previous
// versions to let go: a successful install activates immediately.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Install(ctx); err != nil {
		return err
	}
	return s.Activate(ctx)
}

// Install pre-populates the static bucket from the manifest as one batch.
// On failure the service becomes redundant and the buckets of any previous
// version are left as they were.
func (s *Service) Install(ctx context.Context) error {
	s.setState(StateInstalling)
	s.log.Info("caching static files",
		zap.String("bucket", s.cfg.StaticBucket()),
		zap.Int("files", len(s.cfg.Manifest.Static)))

	if err := s.populateStatic(ctx); err != nil {
		s.setState(StateRedundant)
		s.log.Error("install failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	s.setState(StateWaiting)
	return nil
}

// Activate deletes buckets left by other versions and claims every client.
func (s *Service) Activate(ctx context.Context) error {
	if st := s.State(); st != StateWaiting {
		return fmt.Errorf("%w: cannot activate from %s", ErrNotActive, st)
	}
	s.setState(StateActivating)

	for _, name := range s.store.Keys() {
		if name == s.cfg.StaticBucket() || name == s.cfg.DynamicBucket() {
			continue
		}
		s.log.Info("deleting old cache", zap.String("bucket", name))
		if _, err := s.store.Delete(ctx, name); err != nil {
			s.setState(StateWaiting)
			return fmt.Errorf("delete bucket %s: %w", name, err)
		}
	}

	s.setState(StateActive)
	return nil
}

// Close marks the service superseded and stops background work. The storage
// belongs to the caller.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateSuperseded)
		close(s.stopCh)
		s.wg.Wait()
	})
}

// populateStatic fetches every manifest URL and commits them together. The
// bucket is not created unless every fetch succeeds.
func (s *Service) populateStatic(ctx context.Context) error {
	manifest := s.cfg.Manifest.Static
	ents := make([]CacheEntry, len(manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, uri := range manifest {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, s.cfg.Server.Origin+uri, nil)
			if err != nil {
				return err
			}
			ent, err := s.do(req, uri)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", uri, err)
			}
			if ent.Status < 200 || ent.Status >= 300 {
				return fmt.Errorf("fetch %s: unexpected status %d", uri, ent.Status)
			}
			ents[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return s.store.Bucket(s.cfg.StaticBucket()).PutAll(ctx, ents)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || !s.Active() {
		s.proxyPass(w, r)
		return
	}
	if !isHTTPScheme(r.URL.Scheme) {
		s.proxyPass(w, r)
		return
	}

	key := r.URL.RequestURI()
	if ent, ok := s.store.Match(key); ok {
		s.log.Debug("serving from cache", zap.String("key", key))
		s.writeEntry(w, ent, outcomeHit)
		return
	}

	// The origin fetch and the cache write outlive the client.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.Timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.targetURL(r), nil)
	if err != nil {
		s.fallback(w, r, key, err)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	ent, err := s.do(req, key)
	if err != nil {
		s.fallback(w, r, key, err)
		return
	}
	if !ent.Cacheable() {
		s.writeEntry(w, ent, outcomeBypass)
		return
	}

	s.store.Bucket(s.cfg.bucketFor(Classify(key))).PutAsync(key, ent)
	s.writeEntry(w, ent, outcomeMiss)
}

// fallback answers a failed origin fetch from the cache: navigations get the
// root document, everything else its own earlier snapshot.
func (s *Service) fallback(w http.ResponseWriter, r *http.Request, key string, cause error) {
	s.log.Warn("fetch failed", zap.String("key", key), zap.Error(cause))

	lookup := key
	if isNavigation(r) {
		lookup = rootDocument
	}
	if ent, ok := s.store.Match(lookup); ok {
		s.writeEntry(w, ent, outcomeOffline)
		return
	}
	s.badGateway(w)
}

func (s *Service) badGateway(w http.ResponseWriter) {
	s.setHeaders(w.Header(), outcomeBadGateway)
	s.stats.Observe(outcomeBadGateway, 0)
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

// do performs req and snapshots the response under key.
func (s *Service) do(req *http.Request, key string) (CacheEntry, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}

	ent := CacheEntry{
		URL:      key,
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
		Type:     s.responseType(resp),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// responseType is basic when the final (post-redirect) URL is on the origin.
func (s *Service) responseType(resp *http.Response) string {
	if resp.Request == nil || resp.Request.URL == nil {
		return ResponseOpaque
	}
	u := resp.Request.URL
	if strings.EqualFold(u.Scheme, s.origin.Scheme) && strings.EqualFold(u.Host, s.origin.Host) {
		return ResponseBasic
	}
	return ResponseCORS
}

func (s *Service) targetURL(r *http.Request) string {
	return s.cfg.Server.Origin + r.URL.RequestURI()
}

// isHTTPScheme reports whether an incoming request targets http(s). Origin-form
// requests carry no scheme and are treated as http.
func isHTTPScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "", "http", "https":
		return true
	}
	return false
}

// isNavigation reports whether r is a top-level page load. Clients that do
// not send Sec-Fetch-Mode are judged by their Accept header.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (s *Service) newPassthrough() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(s.origin)
			pr.Out.Host = s.origin.Host
		},
		Transport: s.httpClient.Transport,
		ModifyResponse: func(resp *http.Response) error {
			s.setHeaders(resp.Header, outcomePassthrough)
			s.stats.Observe(outcomePassthrough, 0)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn("passthrough failed", zap.String("method", r.Method), zap.String("uri", r.URL.RequestURI()), zap.Error(err))
			s.badGateway(w)
		},
	}
}

func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	s.passthrough.ServeHTTP(w, r)
}

func (s *Service) writeEntry(w http.ResponseWriter, ent CacheEntry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "X-Offcache") || strings.EqualFold(k, "X-Offcache-Version") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	s.setHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
	s.stats.Observe(outcome, len(ent.Body))
}

func (s *Service) setHeaders(h http.Header, outcome string) {
	h.Set("X-Offcache", outcome)
	if s.cfg.Cache.CacheName != "" {
		h.Set("X-Offcache-Version", s.cfg.Cache.CacheName)
	}
	// Custom headers are not readable by page scripts in a CORS context
	// unless exposed.
	ensureExposedHeader(h, "X-Offcache")
	ensureExposedHeader(h, "X-Offcache-Version")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// skipOriginHeaders are not forwarded on a cache-fill fetch: the snapshot must
// be a full 200, whatever the client already holds.
var skipOriginHeaders = map[string]bool{
	"Host":                true,
	"If-Match":            true,
	"If-None-Match":       true,
	"If-Modified-Since":   true,
	"If-Unmodified-Since": true,
	"If-Range":            true,
	"Range":               true,
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if skipOriginHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := []zap.Field{
		zap.String("state", s.State().String()),
		zap.Uint64("hits", ss.Hits),
		zap.Uint64("misses", ss.Misses),
		zap.Uint64("offline", ss.Offline),
		zap.Uint64("failures", ss.Failures),
		zap.String("resp_min", formatBytes(ss.MinRespBytes)),
		zap.String("resp_avg", formatBytes(ss.AvgRespBytes)),
		zap.String("resp_max", formatBytes(ss.MaxRespBytes)),
	}
	for _, name := range s.store.Keys() {
		n, err := s.store.Bucket(name).Count()
		if err != nil {
			continue
		}
		fields = append(fields, zap.Int("bucket."+name, n))
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	s.log.Info("cache stats", fields...)
}
