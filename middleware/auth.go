package middleware

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/vitalsync/data-sync/config"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
)

const (
	SignatureHeader   = "X-Signature"
	RequestTimeHeader = "X-Request-Time"
)

var ErrInvalidSignature = fmt.Errorf("invalid signature")
var SignedMsgPrefix = []byte("vitalsync:")

func checkApiKey(config *config.Config, r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return fmt.Errorf("Invalid auth header")
	}

	apiKey := authHeader[7:]
	block, err := base64.StdEncoding.DecodeString(apiKey)
	if err != nil {
		return fmt.Errorf("Could not decode auth header: %v", err)
	}

	cert, err := x509.ParseCertificate(block)
	if err != nil {
		return fmt.Errorf("Could not parse certificate: %v", err)
	}

	rootPool := x509.NewCertPool()
	rootPool.AddCert(config.CACert.Raw)

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots: rootPool,
	})
	if err != nil {
		return fmt.Errorf("Certificate verification error: %v", err)
	}
	if len(chains) != 1 || len(chains[0]) != 2 || !chains[0][0].Equal(cert) || !chains[0][1].Equal(config.CACert.Raw) {
		return fmt.Errorf("Certificate verification error: invalid chain of trust")
	}

	return nil
}

// Authenticate resolves the owner identity for a sync request: the
// compressed secp256k1 pubkey recovered from the signature over the request
// body and time, hex encoded. When a CA cert is configured the client
// certificate in the Authorization header is verified first.
func Authenticate(config *config.Config, r *http.Request, body []byte) (string, error) {
	if config.CACert != nil {
		if err := checkApiKey(config, r); err != nil {
			return "", err
		}
	}

	toVerify := SignRequest(body, r.Header.Get(RequestTimeHeader))
	pubkey, err := VerifyMessage([]byte(toVerify), r.Header.Get(SignatureHeader))
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(pubkey.SerializeCompressed()), nil
}

// SignRequest builds the canonical string covered by a request signature.
func SignRequest(body []byte, requestTime string) string {
	digest := sha256.Sum256(body)
	return fmt.Sprintf("%x-%v", digest, requestTime)
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(SignedMsgPrefix, msg...)
	digest := chainhash.DoubleHashB(message)
	signture, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %v", err)
	}
	sig := zbase32.EncodeToString(signture)
	return sig, nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %v", err)
	}

	msg := append(SignedMsgPrefix, message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
