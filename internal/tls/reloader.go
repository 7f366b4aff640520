package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// expiryWarning is how far ahead of NotAfter a loaded certificate is logged as expiring.
const expiryWarning = 30 * 24 * time.Hour

// CertificateReloader serves a certificate/key pair and swaps it when either
// file changes. A reload that fails keeps the previous pair in service.
type CertificateReloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	debounce time.Duration
	onReload func(status string, leaf *x509.Certificate)
	now      func() time.Time

	mu   sync.RWMutex
	cert *tls.Certificate
}

// ReloaderOption customises a CertificateReloader.
type ReloaderOption func(*CertificateReloader)

// WithReloadDebounce sets how long the reloader waits for writes to settle.
func WithReloadDebounce(d time.Duration) ReloaderOption {
	return func(r *CertificateReloader) { r.debounce = d }
}

// WithCertificateReloadHook is called after each file-triggered reload with
// "success" or "error" and the leaf that is in service afterwards.
func WithCertificateReloadHook(fn func(status string, leaf *x509.Certificate)) ReloaderOption {
	return func(r *CertificateReloader) { r.onReload = fn }
}

// WithClock overrides the clock used for validity checks.
func WithClock(now func() time.Time) ReloaderOption {
	return func(r *CertificateReloader) { r.now = now }
}

// NewCertificateReloader loads the pair and starts watching both files.
func NewCertificateReloader(certFile, keyFile string, logger *slog.Logger, opts ...ReloaderOption) (*CertificateReloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CertificateReloader{
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		logger:   logger,
		debounce: 100 * time.Millisecond,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.Reload(); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate watcher: %w", err)
	}
	// Secret mounts swap files through symlinked directories, so watch the parents.
	dirs := map[string]struct{}{
		filepath.Dir(r.certFile): {},
		filepath.Dir(r.keyFile):  {},
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.watcher = fsw
	r.cancel = cancel
	go r.watchLoop(ctx)

	logger.Info("Serving TLS certificate", "cert_file", r.certFile)
	return r, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertificateReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// Leaf returns the parsed leaf of the certificate in service.
func (r *CertificateReloader) Leaf() *x509.Certificate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert.Leaf
}

// Reload re-reads both files and swaps the pair if it is valid.
func (r *CertificateReloader) Reload() error {
	cert, err := loadCertificate(r.certFile, r.keyFile, r.now())
	if err != nil {
		return err
	}
	if remaining := cert.Leaf.NotAfter.Sub(r.now()); remaining < expiryWarning {
		r.logger.Warn("TLS certificate expires soon",
			"cert_file", r.certFile, "not_after", cert.Leaf.NotAfter, "remaining", remaining.Round(time.Hour))
	}

	r.mu.Lock()
	r.cert = cert
	r.mu.Unlock()
	return nil
}

// Close stops watching the files. The last certificate stays available.
func (r *CertificateReloader) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *CertificateReloader) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.relevant(event) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(r.debounce, func() {
				if ctx.Err() == nil {
					r.reloadFromWatch()
				}
			})
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("Certificate watcher error", "error", err)
		}
	}
}

// relevant accepts writes to either file and any create in a watched directory,
// which is how Kubernetes publishes a new secret revision.
func (r *CertificateReloader) relevant(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if name == r.certFile || name == r.keyFile {
		return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
	}
	return event.Has(fsnotify.Create)
}

func (r *CertificateReloader) reloadFromWatch() {
	if err := r.Reload(); err != nil {
		r.logger.Error("Certificate reload rejected, keeping previous certificate", "cert_file", r.certFile, "error", err)
		r.report("error")
		return
	}
	r.logger.Info("TLS certificate reloaded", "cert_file", r.certFile, "not_after", r.Leaf().NotAfter)
	r.report("success")
}

func (r *CertificateReloader) report(status string) {
	if r.onReload != nil {
		r.onReload(status, r.Leaf())
	}
}

func loadCertificate(certFile, keyFile string, now time.Time) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrCertificateInvalid, certFile, err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("%w: parse leaf: %v", ErrCertificateInvalid, err)
		}
		cert.Leaf = leaf
	}

	switch {
	case now.Before(cert.Leaf.NotBefore):
		return nil, fmt.Errorf("%w: %s is not valid before %s", ErrCertificateInvalid, certFile, cert.Leaf.NotBefore.Format(time.RFC3339))
	case now.After(cert.Leaf.NotAfter):
		return nil, fmt.Errorf("%w: %s expired at %s", ErrCertificateInvalid, certFile, cert.Leaf.NotAfter.Format(time.RFC3339))
	}
	return &cert, nil
}
