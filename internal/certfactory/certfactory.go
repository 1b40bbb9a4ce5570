// Package certfactory implements the TLS certificate factory described
// in spec §4.6: given an observed (or merely announced, via SNI)
// origin leaf certificate, it mints an equivalent certificate signed by
// a local CA — or self-signed — sharing a single local server key pair
// across every mint, and caches the result under a canonical store key
// so repeated requests for the same subject/SAN set share one mint.
// Alongside the mint cache it keeps LRU caches for OCSP responses,
// CRLs, and TLS session state, all serialized by one factory-wide
// mutex (spec §4.6 "Concurrency").
package certfactory

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
	"golang.org/x/net/idna"

	"github.com/relayforge/proxycore/internal/logging"
)

// Mint is a freshly minted (private key, certificate) pair, spec §4.6's
// "Output: a freshly minted (private key, certificate) pair and a store
// key." All mints share the factory's single server key pair; only the
// certificate differs.
type Mint struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CertPEM     []byte
	KeyPEM      []byte
}

// TLSCertificate adapts the mint to the crypto/tls.Certificate shape
// consumed by tls.Config.GetCertificate / GetCertificate's return value.
func (m *Mint) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(m.CertPEM, m.KeyPEM)
}

// SpoofRequest is the spoof operation's input, spec §4.6: "the original
// leaf certificate, a flag self_signed, and an optional list of extra
// SAN strings."
type SpoofRequest struct {
	Leaf       *x509.Certificate
	SelfSigned bool
	ExtraSANs  []string
}

// SpoofResult is the spoof operation's output: the mint plus the store
// key it was cached under.
type SpoofResult struct {
	Mint     *Mint
	StoreKey string
}

// Config configures a Factory. Zero values fall back to the defaults
// spec §4.6/§3 name (500-entry caches, 1800s OCSP TTL, 86400s CRL TTL,
// 364-day mint validity).
type Config struct {
	Logger *slog.Logger

	// CAPEM / CAKeyPEM are the local CA certificate and key used to sign
	// non-self-signed mints. Either may be nil, in which case only
	// self-signed mints are possible; a key supplied without a
	// certificate is ignored rather than reported as an error.
	CAPEM    []byte
	CAKeyPEM []byte

	// TrustStoreDir holds additional trusted root certificates consulted
	// for upstream verification (spec §4.6 "manages a shared trust
	// store").
	TrustStoreDir string

	Validity time.Duration

	MintCacheSize    int
	OCSPCacheSize    int
	CRLCacheSize     int
	SessionCacheSize int

	OCSPCacheTTL time.Duration
	CRLCacheTTL  time.Duration
}

// Factory is the certificate factory singleton, spec §4.6: one reentrant
// mutex serializes every mutation of the mint/trust/OCSP/CRL caches.
// Go's sync.Mutex is not reentrant, so internally every locked entry
// point calls unexported "Locked" helpers rather than re-acquiring the
// lock — the same effect as a reentrant mutex, without recursive
// locking.
type Factory struct {
	logger *slog.Logger

	mu sync.Mutex

	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	serverKey *ecdsa.PrivateKey

	validity time.Duration

	trustPool *x509.CertPool

	serialCounter *big.Int

	mints *lruCache          // store key -> *Mint
	fqdn  map[string]string  // fqdn (or wildcard fqdn) -> store key

	ocspCache    *lruCache // key -> *ocsp.Response
	crlCache     *lruCache // key -> *x509.RevocationList
	sessionCache *lruCache // tls session key -> *tls.ClientSessionState

	ocspTTL time.Duration
	crlTTL  time.Duration

	defaultMint *Mint
}

// New builds a Factory from cfg, loading the CA (if configured) and
// trust store, generating the shared default server key pair, and
// minting the default (no-SNI) server certificate.
func New(cfg Config) (*Factory, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	caCert, caKey, err := loadCA(cfg.CAPEM, cfg.CAKeyPEM)
	if err != nil {
		return nil, err
	}

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certfactory: generate default server key: %w", err)
	}

	trustPool, err := loadTrustStore(cfg.TrustStoreDir, caCert)
	if err != nil {
		return nil, err
	}

	validity := cfg.Validity
	if validity <= 0 {
		validity = 364 * 24 * time.Hour
	}
	ocspTTL := cfg.OCSPCacheTTL
	if ocspTTL <= 0 {
		ocspTTL = 1800 * time.Second
	}
	crlTTL := cfg.CRLCacheTTL
	if crlTTL <= 0 {
		crlTTL = 86400 * time.Second
	}

	f := &Factory{
		logger:        logger,
		caCert:        caCert,
		caKey:         caKey,
		serverKey:     serverKey,
		validity:      validity,
		trustPool:     trustPool,
		serialCounter: big.NewInt(time.Now().UnixNano()),
		mints:         newLRUCache(orDefault(cfg.MintCacheSize, 500)),
		fqdn:          make(map[string]string),
		ocspCache:     newLRUCache(orDefault(cfg.OCSPCacheSize, 500)),
		crlCache:      newLRUCache(orDefault(cfg.CRLCacheSize, 500)),
		sessionCache:  newLRUCache(orDefault(cfg.SessionCacheSize, 500)),
		ocspTTL:       ocspTTL,
		crlTTL:        crlTTL,
	}

	result, err := f.Spoof(SpoofRequest{
		Leaf: &x509.Certificate{
			Subject:  pkix.Name{CommonName: "proxycore-default"},
			DNSNames: []string{"localhost"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("certfactory: mint default server certificate: %w", err)
	}
	f.defaultMint = result.Mint

	return f, nil
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// TrustPool returns the shared trust store, the CA certificate plus any
// PEM files under the configured trust store directory.
func (f *Factory) TrustPool() *x509.CertPool { return f.trustPool }

// Spoof runs the spoof operation, spec §4.6 steps 1-5: compute the
// store key, return the cached mint if present, otherwise build and
// sign a new certificate and insert it under that key.
func (f *Factory) Spoof(req SpoofRequest) (*SpoofResult, error) {
	if req.Leaf == nil {
		return nil, fmt.Errorf("certfactory: spoof: leaf certificate is required")
	}
	sans := unionSANs(sansFromCert(req.Leaf), req.ExtraSANs)
	key := storeKey(req.Leaf.Subject.String(), req.SelfSigned, sans)

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spoofLocked(key, req, sans)
}

// SpoofForSNI synthesizes a placeholder leaf (subject CN = sni, single
// DNS SAN = sni) and spoofs it, for the pre-peek path of spec §4.7/§8
// scenario 3 where a ClientHello's SNI is known before any origin
// certificate has been fetched. Because the store key only depends on
// subject and SAN set, a later Spoof() call carrying the real origin
// leaf with the same subject/SANs resolves to the same cached mint.
func (f *Factory) SpoofForSNI(sni string, selfSigned bool) (*SpoofResult, error) {
	leaf := &x509.Certificate{
		Subject:  pkix.Name{CommonName: sni},
		DNSNames: []string{sni},
	}
	return f.Spoof(SpoofRequest{Leaf: leaf, SelfSigned: selfSigned})
}

func (f *Factory) spoofLocked(key string, req SpoofRequest, sans []string) (*SpoofResult, error) {
	if cached, ok := f.mints.get(key); ok {
		return &SpoofResult{Mint: cached.(*Mint), StoreKey: key}, nil
	}

	mint, err := f.mintLocked(req, sans)
	if err != nil {
		return nil, err
	}

	f.mints.put(key, mint, nil)
	f.indexFQDNLocked(key, sans)
	return &SpoofResult{Mint: mint, StoreKey: key}, nil
}

func (f *Factory) mintLocked(req SpoofRequest, sans []string) (*Mint, error) {
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          f.nextSerial(),
		Subject:               req.Leaf.Subject,
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(f.validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	applySANs(template, sans)

	var (
		der []byte
		err error
	)
	switch {
	case req.SelfSigned || f.caCert == nil || f.caKey == nil:
		template.Issuer = template.Subject
		der, err = x509.CreateCertificate(rand.Reader, template, template, &f.serverKey.PublicKey, f.serverKey)
	default:
		der, err = x509.CreateCertificate(rand.Reader, template, f.caCert, &f.serverKey.PublicKey, f.caKey)
	}
	if err != nil {
		return nil, fmt.Errorf("certfactory: create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certfactory: parse minted certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(f.serverKey)
	if err != nil {
		return nil, fmt.Errorf("certfactory: marshal server key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &Mint{
		Certificate: cert,
		PrivateKey:  f.serverKey,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

func (f *Factory) nextSerial() *big.Int {
	f.serialCounter = new(big.Int).Add(f.serialCounter, big.NewInt(1))
	return new(big.Int).Set(f.serialCounter)
}

// indexFQDNLocked records every DNS SAN of a freshly-minted certificate
// against its store key, for LookupFQDN.
func (f *Factory) indexFQDNLocked(key string, sans []string) {
	for _, s := range sans {
		if fqdn, ok := strings.CutPrefix(s, "DNS:"); ok {
			f.fqdn[fqdn] = key
		}
	}
}

// LookupFQDN maps a queried FQDN to a store key: direct lookup first,
// then the wildcard form with the leftmost label replaced by "*" (spec
// §4.6 "FQDN lookup").
func (f *Factory) LookupFQDN(fqdn string) (string, bool) {
	normalized := fqdn
	if ascii, err := idna.Lookup.ToASCII(fqdn); err == nil {
		normalized = ascii
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if key, ok := f.fqdn[normalized]; ok {
		return key, true
	}
	if wildcard := wildcardFQDN(normalized); wildcard != "" {
		if key, ok := f.fqdn[wildcard]; ok {
			return key, true
		}
	}
	return "", false
}

func wildcardFQDN(fqdn string) string {
	labels := strings.SplitN(fqdn, ".", 2)
	if len(labels) != 2 {
		return ""
	}
	return "*." + labels[1]
}

// GetCertificateForClientHello serves as tls.Config.GetCertificate for
// the TLS com (cmd/proxycored wires it into the config handed to
// internal/com's NewTLSServerCom, spec §4.7): it resolves the
// ClientHello's server name, as crypto/tls reports it in
// hello.ServerName, to a mint, minting on first sight.
// A ClientHello without SNI gets the factory's default server cert.
func (f *Factory) GetCertificateForClientHello(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	sni := hello.ServerName
	if sni == "" {
		return f.defaultTLSCertificate()
	}

	if key, ok := f.LookupFQDN(sni); ok {
		f.mu.Lock()
		cached, ok := f.mints.get(key)
		f.mu.Unlock()
		if ok {
			cert, err := cached.(*Mint).TLSCertificate()
			if err != nil {
				return nil, err
			}
			return &cert, nil
		}
	}

	result, err := f.SpoofForSNI(sni, false)
	if err != nil {
		return nil, err
	}
	cert, err := result.Mint.TLSCertificate()
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (f *Factory) defaultTLSCertificate() (*tls.Certificate, error) {
	cert, err := f.defaultMint.TLSCertificate()
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// CacheOCSPResponse parses and caches a raw OCSP response under key,
// spec §3's "auxiliary OCSP cache" with a 1800s default TTL used when
// the response carries no NextUpdate of its own.
func (f *Factory) CacheOCSPResponse(key string, raw []byte) (*ocsp.Response, error) {
	resp, err := ocsp.ParseResponse(raw, f.caCert)
	if err != nil {
		return nil, fmt.Errorf("certfactory: parse ocsp response: %w", err)
	}

	deadline := resp.NextUpdate
	if deadline.IsZero() {
		deadline = time.Now().Add(f.ocspTTL)
	}

	f.mu.Lock()
	f.ocspCache.put(key, resp, func() bool { return time.Now().After(deadline) })
	f.mu.Unlock()
	return resp, nil
}

// LookupOCSPResponse returns a previously cached OCSP response for key,
// if present and not expired.
func (f *Factory) LookupOCSPResponse(key string) (*ocsp.Response, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.ocspCache.get(key)
	if !ok {
		return nil, false
	}
	return v.(*ocsp.Response), true
}

// CacheCRL parses and caches a raw CRL under key, spec §3's auxiliary
// CRL cache with an 86400s default TTL used when the CRL carries no
// NextUpdate of its own.
func (f *Factory) CacheCRL(key string, raw []byte) (*x509.RevocationList, error) {
	crl, err := x509.ParseRevocationList(raw)
	if err != nil {
		return nil, fmt.Errorf("certfactory: parse crl: %w", err)
	}

	deadline := crl.NextUpdate
	if deadline.IsZero() {
		deadline = time.Now().Add(f.crlTTL)
	}

	f.mu.Lock()
	f.crlCache.put(key, crl, func() bool { return time.Now().After(deadline) })
	f.mu.Unlock()
	return crl, nil
}

// LookupCRL returns a previously cached CRL for key, if present and not
// expired.
func (f *Factory) LookupCRL(key string) (*x509.RevocationList, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.crlCache.get(key)
	if !ok {
		return nil, false
	}
	return v.(*x509.RevocationList), true
}

// SessionCache returns a tls.ClientSessionCache backed by the factory's
// TLS session LRU, for wiring into an outgoing tls.Config for the
// client-side leg of an intercepted connection (spec §3 "TLS session
// objects", §4.6 "also caches ... TLS session objects").
func (f *Factory) SessionCache() tls.ClientSessionCache {
	return (*sessionCache)(f)
}

type sessionCache Factory

func (s *sessionCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	f := (*Factory)(s)
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.sessionCache.get(sessionKey)
	if !ok {
		return nil, false
	}
	return v.(*tls.ClientSessionState), true
}

func (s *sessionCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	f := (*Factory)(s)
	f.mu.Lock()
	defer f.mu.Unlock()
	if cs == nil {
		f.sessionCache.remove(sessionKey)
		return
	}
	f.sessionCache.put(sessionKey, cs, nil)
}

// storeKey computes the canonical cache key spec §3/§6 describe:
// "<subject DN one-line>[+self_signed][+san:<s1>]...", SANs unioned and
// deduplicated, then sorted so the key is order-independent.
func storeKey(subject string, selfSigned bool, sans []string) string {
	var b strings.Builder
	b.WriteString(subject)
	if selfSigned {
		b.WriteString("+self_signed")
	}
	for _, s := range sans {
		b.WriteString("+san:")
		b.WriteString(s)
	}
	return b.String()
}

func sansFromCert(cert *x509.Certificate) []string {
	sans := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses))
	for _, d := range cert.DNSNames {
		sans = append(sans, "DNS:"+d)
	}
	for _, ip := range cert.IPAddresses {
		sans = append(sans, "IP:"+ip.String())
	}
	return sans
}

func unionSANs(original, extra []string) []string {
	seen := make(map[string]bool, len(original)+len(extra))
	out := make([]string, 0, len(original)+len(extra))
	for _, s := range original {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, s := range extra {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func applySANs(template *x509.Certificate, sans []string) {
	for _, s := range sans {
		switch {
		case strings.HasPrefix(s, "DNS:"):
			template.DNSNames = append(template.DNSNames, strings.TrimPrefix(s, "DNS:"))
		case strings.HasPrefix(s, "IP:"):
			if ip := net.ParseIP(strings.TrimPrefix(s, "IP:")); ip != nil {
				template.IPAddresses = append(template.IPAddresses, ip)
			}
		}
	}
}

func loadCA(caPEM, caKeyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	if len(caPEM) == 0 {
		return nil, nil, nil
	}
	block, _ := pem.Decode(caPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("certfactory: decode ca certificate pem")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("certfactory: parse ca certificate: %w", err)
	}

	if len(caKeyPEM) == 0 {
		return cert, nil, nil
	}
	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("certfactory: decode ca key pem")
	}
	key, err := parseECKey(keyBlock)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func parseECKey(block *pem.Block) (*ecdsa.PrivateKey, error) {
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certfactory: parse ca private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certfactory: parse ca private key: %w", err)
		}
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("certfactory: ca private key is not ECDSA")
		}
		return ecKey, nil
	default:
		return nil, fmt.Errorf("certfactory: unsupported ca private key type %s", block.Type)
	}
}

func loadTrustStore(dir string, caCert *x509.Certificate) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if caCert != nil {
		pool.AddCert(caCert)
	}
	if dir == "" {
		return pool, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("certfactory: trust store %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		pool.AppendCertsFromPEM(data)
	}
	return pool, nil
}
