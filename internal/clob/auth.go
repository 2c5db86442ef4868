package clob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

// Credentials are the L2 API credentials derived from the wallet.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

const clobAuthAttestation = "This message attests that I control the given wallet"

// signL2 adds the HMAC authentication headers every private endpoint
// requires. POLY_ADDRESS carries the signer, not the funder.
func (c *Client) signL2(req *http.Request, method, path string, body []byte) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := l2Signature(c.creds.Secret, timestamp, method, path, body)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_API_KEY", c.creds.APIKey)
	req.Header.Set("POLY_SIGNATURE", signature)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.creds.Passphrase)
	if c.address != (common.Address{}) {
		req.Header.Set("POLY_ADDRESS", c.address.Hex())
	}
}

// l2Signature is the HMAC-SHA256 of timestamp+method+path+body keyed by the
// decoded API secret. Both the secret decode and the signature use URL-safe
// base64, matching py-clob-client.
func l2Signature(secret, timestamp, method, path string, body []byte) string {
	message := timestamp + method + path
	if len(body) > 0 {
		message += string(body)
	}

	secretBytes, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		padded := secret
		if len(padded)%4 != 0 {
			padded += strings.Repeat("=", 4-len(padded)%4)
		}
		if secretBytes, err = base64.URLEncoding.DecodeString(padded); err != nil {
			secretBytes, _ = base64.StdEncoding.DecodeString(secret)
		}
	}

	h := hmac.New(sha256.New, secretBytes)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// deriveCredentials asks the CLOB for the wallet's L2 credentials: first
// GET /auth/derive-api-key for an existing key set, then POST /auth/api-key
// to mint one.
func (c *Client) deriveCredentials() (*Credentials, error) {
	if c.privateKey == nil {
		return nil, fmt.Errorf("wallet private key required to derive credentials")
	}

	timestamp := time.Now().Unix()
	nonce := int64(0)
	signature, err := c.signAuthMessage(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign auth message: %w", err)
	}

	authAddress := c.funder
	if authAddress == (common.Address{}) {
		authAddress = c.address
	}
	headers := map[string]string{
		"POLY_ADDRESS":   authAddress.Hex(),
		"POLY_SIGNATURE": signature,
		"POLY_TIMESTAMP": strconv.FormatInt(timestamp, 10),
		"POLY_NONCE":     strconv.FormatInt(nonce, 10),
	}

	if creds, err := c.authRequest("GET", "/auth/derive-api-key", headers); err == nil {
		return creds, nil
	}

	creds, err := c.authRequest("POST", "/auth/api-key", headers)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("✅ New CLOB API credentials created")
	return creds, nil
}

func (c *Client) authRequest(method, path string, headers map[string]string) (*Credentials, error) {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("auth error %d: %s", resp.StatusCode, string(body))
	}

	var creds Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &creds, nil
}

// signAuthMessage signs the L1 ClobAuth attestation.
// Domain: {name: "ClobAuthDomain", version: "1", chainId: 137}.
func (c *Client) signAuthMessage(timestamp, nonce int64) (string, error) {
	domainTypeHash := crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	domainSeparator := crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256Hash([]byte("ClobAuthDomain")).Bytes(),
		crypto.Keccak256Hash([]byte("1")).Bytes(),
		common.LeftPadBytes(big.NewInt(polygonChainID).Bytes(), 32),
	)

	authTypeHash := crypto.Keccak256Hash([]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"))
	authAddress := c.funder
	if authAddress == (common.Address{}) {
		authAddress = c.address
	}
	structHash := crypto.Keccak256Hash(
		authTypeHash.Bytes(),
		common.LeftPadBytes(authAddress.Bytes(), 32),
		crypto.Keccak256Hash([]byte(strconv.FormatInt(timestamp, 10))).Bytes(),
		common.LeftPadBytes(big.NewInt(nonce).Bytes(), 32),
		crypto.Keccak256Hash([]byte(clobAuthAttestation)).Bytes(),
	)

	rawData := append([]byte{0x19, 0x01}, domainSeparator.Bytes()...)
	rawData = append(rawData, structHash.Bytes()...)
	hash := crypto.Keccak256Hash(rawData)

	sig, err := crypto.Sign(hash.Bytes(), c.privateKey)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}
