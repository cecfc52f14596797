package cert

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"

	"github.com/haxii/fastclient/log"
)

// TrustStore points the client at a PEM bundle to trust instead of the
// system roots. PEM bytes take precedence over Path. The zero value
// (or a nil pointer) means the system trust store.
type TrustStore struct {
	// PEM raw certificate bundle bytes
	PEM []byte
	// Path filesystem path of a PEM bundle
	Path string
}

// ErrNoUsableCerts is returned when a non-empty trust store source
// yields no parseable certificates at all.
var ErrNoUsableCerts = errors.New("no usable certificates in trust store")

// MakeClientTLSConfig builds a client TLS config trusting ts and
// verifying serverName via SNI. Individual malformed certificates in a
// PEM source are skipped with a warning; only a source that loads
// nothing is an error.
func MakeClientTLSConfig(ts *TrustStore, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		ClientSessionCache: tls.NewLRUClientSessionCache(0),
	}
	if ts == nil || (len(ts.PEM) == 0 && len(ts.Path) == 0) {
		// nil RootCAs means the system trust store
		return cfg, nil
	}

	data := ts.PEM
	if len(data) == 0 {
		var err error
		data, err = os.ReadFile(ts.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "fail to open trust store file %s", ts.Path)
		}
	}

	pool := x509.NewCertPool()
	loaded := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			log.Errorf(err, "skipping malformed certificate in trust store")
			continue
		}
		pool.AddCert(c)
		loaded++
	}
	if loaded == 0 {
		return nil, ErrNoUsableCerts
	}
	log.Debugf("trust store loaded with %d certificates", loaded)
	cfg.RootCAs = pool
	return cfg, nil
}
