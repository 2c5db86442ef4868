// Package clob is the Polymarket CLOB trading client: EIP-712 order
// signing, L1/L2 authentication, order submission and book queries.
//
// Reference: https://docs.polymarket.com/
package clob

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

// CTF Exchange deployment on Polygon mainnet.
const (
	polygonChainID     = 137
	ctfExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	zeroAddress        = "0x0000000000000000000000000000000000000000"

	// Taker fee the exchange requires on every order.
	takerFeeRateBps = 1000
)

// Wallet signature types accepted by the exchange.
const (
	SignatureTypeEOA        = 0
	SignatureTypePolyProxy  = 1 // email / Magic login
	SignatureTypeGnosisSafe = 2 // browser wallet proxy
)

// Side is the order side.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType selects the CLOB matching behavior.
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // fill entirely or reject
	OrderTypeFAK OrderType = "FAK" // fill what crosses, cancel rest
	OrderTypeGTC OrderType = "GTC" // rest on the book
	OrderTypeGTD OrderType = "GTD" // rest until expiration
)

// CTFOrder mirrors the Order struct the CTF Exchange contract hashes.
type CTFOrder struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// SignedOrder is an order plus its EIP-712 signature.
type SignedOrder struct {
	Order     *CTFOrder
	Signature string
}

// TokenID returns the outcome token the order trades.
func (o *SignedOrder) TokenID() string { return o.Order.TokenID.String() }

type orderSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address // signs orders and L2 requests
	funder     common.Address // holds the USDC; maker on every order
	sigType    int
}

func newOrderSigner(pk *ecdsa.PrivateKey, address, funder common.Address, sigType int) *orderSigner {
	return &orderSigner{privateKey: pk, address: address, funder: funder, sigType: sigType}
}

// usdcUnits scales a USDC amount to 6-decimal token units, truncating.
// Truncation keeps the order inside budget; rounding up draws an
// "invalid amounts" rejection.
func usdcUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(6).BigInt()
}

// shareUnits rounds a share quantity to the 4-decimal precision the
// exchange accepts, then scales to token units.
func shareUnits(amount decimal.Decimal) *big.Int {
	return amount.Round(4).Shift(6).BigInt()
}

// createOrder builds an unsigned order. For a buy the maker amount is the
// USDC spent and the taker amount the shares received; a sell flips them.
func (s *orderSigner) createOrder(tokenID string, side Side, price, size decimal.Decimal) (*CTFOrder, error) {
	token, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", tokenID)
	}
	if !price.IsPositive() || !size.IsPositive() {
		return nil, fmt.Errorf("price and size must be positive, got %s @ %s", size, price)
	}

	cost := size.Mul(price)
	var makerAmount, takerAmount *big.Int
	if side == Buy {
		makerAmount = usdcUnits(cost)
		takerAmount = shareUnits(size)
	} else {
		makerAmount = shareUnits(size)
		takerAmount = shareUnits(cost)
	}

	maker := s.funder
	if maker == (common.Address{}) {
		maker = s.address
	}

	return &CTFOrder{
		Salt:          big.NewInt(rand.Int63()),
		Maker:         maker,
		Signer:        s.address,
		Taker:         common.HexToAddress(zeroAddress),
		TokenID:       token,
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(takerFeeRateBps),
		Side:          uint8(side),
		SignatureType: uint8(s.sigType),
	}, nil
}

// signOrder hashes the order per EIP-712 and signs with the wallet key.
func (s *orderSigner) signOrder(order *CTFOrder) (*SignedOrder, error) {
	typedData := orderTypedData(order)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash order: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, domainSeparator...)
	rawData = append(rawData, messageHash...)
	hash := crypto.Keccak256Hash(rawData)

	sig, err := crypto.Sign(hash.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return &SignedOrder{Order: order, Signature: fmt.Sprintf("0x%x", sig)}, nil
}

func (s *orderSigner) createSignedOrder(tokenID string, side Side, price, size decimal.Decimal) (*SignedOrder, error) {
	order, err := s.createOrder(tokenID, side, price, size)
	if err != nil {
		return nil, err
	}
	return s.signOrder(order)
}

func orderTypedData(order *CTFOrder) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(polygonChainID),
			VerifyingContract: common.HexToAddress(ctfExchangeAddress).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt.String(),
			"maker":         order.Maker.Hex(),
			"signer":        order.Signer.Hex(),
			"taker":         order.Taker.Hex(),
			"tokenId":       order.TokenID.String(),
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration.String(),
			"nonce":         order.Nonce.String(),
			"feeRateBps":    order.FeeRateBps.String(),
			"side":          fmt.Sprintf("%d", order.Side),
			"signatureType": fmt.Sprintf("%d", order.SignatureType),
		},
	}
}

// submitPayload shapes the order the way the CLOB ingests it: the salt as
// an integer, side as a string, the signature inside the order object, and
// owner set to the API key rather than the maker address.
func (o *SignedOrder) submitPayload(apiKey string, typ OrderType, postOnly bool) map[string]interface{} {
	return map[string]interface{}{
		"order": map[string]interface{}{
			"salt":          o.Order.Salt.Int64(),
			"maker":         o.Order.Maker.Hex(),
			"signer":        o.Order.Signer.Hex(),
			"taker":         o.Order.Taker.Hex(),
			"tokenId":       o.Order.TokenID.String(),
			"makerAmount":   o.Order.MakerAmount.String(),
			"takerAmount":   o.Order.TakerAmount.String(),
			"expiration":    o.Order.Expiration.String(),
			"nonce":         o.Order.Nonce.String(),
			"feeRateBps":    o.Order.FeeRateBps.String(),
			"side":          Side(o.Order.Side).String(),
			"signatureType": int(o.Order.SignatureType),
			"signature":     o.Signature,
		},
		"owner":     apiKey,
		"orderType": string(typ),
		"postOnly":  postOnly,
	}
}
