package tuf

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/kit/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// httpRepository is a Repository backed by an HTTP(S) mirror, grounded on
// the teacher's notaryRepo transport (tuf/remote_repo.go): a plain GET per
// role file, a length-bounded reader guarding against endless streams, and
// 404 mapped to errNotFound. It adds what the teacher's raw *http.Client
// didn't have: bounded retries with exponential backoff and a token-bucket
// rate limiter, so a flaky or overeager client doesn't hammer the mirror.
type httpRepository struct {
	*dirCache
	eventLogger

	baseURL          *url.URL
	client           *retryablehttp.Client
	limiter          *rate.Limiter
	maxRootSize      int64
	maxTimestampSize int64
}

// HTTPRepositoryOption configures NewHTTPRepository beyond its required
// arguments.
type HTTPRepositoryOption func(*httpRepository)

// WithRateLimit bounds the repository to rps requests per second, with
// bursts up to burst. The default is 5 rps / burst 5.
func WithRateLimit(rps float64, burst int) HTTPRepositoryOption {
	return func(r *httpRepository) {
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetryMax bounds how many times a single download is retried on a
// transient transport failure. The default is 3.
func WithRetryMax(n int) HTTPRepositoryOption {
	return func(r *httpRepository) {
		r.client.RetryMax = n
	}
}

// WithTLSClientConfig pins the mirror connection to a custom TLS
// configuration, e.g. a private root CA. Grounded on the teacher's
// transport.go certPool/getTransport helpers, generalized from a
// notary-specific PEM reader to a caller-supplied *tls.Config.
func WithTLSClientConfig(cfg *tls.Config) HTTPRepositoryOption {
	return func(r *httpRepository) {
		r.client.HTTPClient.Transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig:     cfg,
		}
	}
}

// TLSConfigFromCAPEM builds a *tls.Config that trusts only the root
// certificate authority in pem, for use with WithTLSClientConfig.
func TLSConfigFromCAPEM(pem []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("failed to append root certificate authority")
	}
	return &tls.Config{RootCAs: pool}, nil
}

// NewHTTPRepository constructs a Repository that fetches role files and the
// package index from baseURL and caches accepted files under cacheDir.
func NewHTTPRepository(cacheDir, baseURL string, settings Settings, logger log.Logger, opts ...HTTPRepositoryOption) (Repository, error) {
	cache, err := newDirCache(cacheDir)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing repository base URL")
	}
	full := settings.withDefaults()

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Backoff = cenkaltiBackoff

	r := &httpRepository{
		dirCache:         cache,
		eventLogger:      newEventLogger(logger),
		baseURL:          u,
		client:           retryClient,
		limiter:          rate.NewLimiter(5, 5),
		maxRootSize:      full.MaxRootSize,
		maxTimestampSize: full.MaxTimestampSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// cenkaltiBackoff adapts github.com/cenkalti/backoff/v4's exponential
// policy to retryablehttp.Client.Backoff's signature, so retry pacing is
// computed by the same library the rest of this corpus reaches for
// instead of retryablehttp's own linear/jitter default.
func cenkaltiBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.25

	var d time.Duration
	for i := 0; i <= attemptNum; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop || d > max {
		return max
	}
	return d
}

func (r *httpRepository) buildURL(file RemoteFile) (string, error) {
	ref, err := url.Parse(path.Join("/", r.baseURL.Path, file.remoteFilename()))
	if err != nil {
		return "", errors.Wrap(err, "building request URL")
	}
	return r.baseURL.ResolveReference(ref).String(), nil
}

// WithRemote implements Repository.WithRemote over HTTP. It waits on the
// rate limiter, issues a retrying GET, and copies the response body
// through a length-bounded reader before handing the temp file to fn.
func (r *httpRepository) WithRemote(ctx context.Context, file RemoteFile, fn func(tmpPath string) error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "waiting for rate limiter")
	}

	reqURL, err := r.buildURL(file)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return errors.Wrapf(err, "building request to %s", reqURL)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "fetching %s", reqURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetching %s: unexpected status %s", reqURL, resp.Status)
	}

	ceiling := remoteFileCeiling(file, r.maxRootSize, r.maxTimestampSize)

	tmp, err := ioutil.TempFile(r.dir, ".download-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file for download")
	}
	tmpPath := tmp.Name()

	limited := &io.LimitedReader{R: resp.Body, N: ceiling + 1}
	n, copyErr := io.Copy(tmp, limited)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(copyErr, "copying response body from %s", reqURL)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return errors.Wrap(closeErr, "closing downloaded temp file")
	}
	if n > ceiling {
		os.Remove(tmpPath)
		return verrf(KindEndlessData, role(path.Base(file.remoteFilename())), nil, "response from %s exceeds %d byte ceiling", reqURL, ceiling)
	}

	return r.dirCache.finalizeDownload(file, tmpPath, fn)
}
