// Package calldata encodes and decodes settlement-network call-data.
//
// A call is a 4-byte function selector followed by one 32-byte word per
// argument. Integers are big-endian unsigned and right-aligned; addresses
// are 20 bytes left-padded with zeros. Selectors are the first four bytes
// of keccak256 over the canonical signature.
package calldata

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// WordSize is the width of one encoded argument.
const WordSize = 32

var (
	ErrUnknownMethod   = errors.New("calldata: unknown method")
	ErrUnknownSelector = errors.New("calldata: unknown selector")
	ErrArgCount        = errors.New("calldata: wrong argument count")
	ErrArgType         = errors.New("calldata: wrong argument type")
	ErrOverflow        = errors.New("calldata: integer does not fit in 256 bits")
	ErrNegative        = errors.New("calldata: negative integer")
	ErrInvalidAddress  = errors.New("calldata: invalid address")
	ErrShortData       = errors.New("calldata: data too short")
	ErrDirtyPadding    = errors.New("calldata: non-zero address padding")
)

// ArgType is the ABI type of one argument.
type ArgType string

const (
	Uint256 ArgType = "uint256"
	Address ArgType = "address"
)

// Method names understood by the settlement network.
const (
	MethodDeposit   = "deposit"
	MethodRelease   = "release"
	MethodRefund    = "refund"
	MethodMint      = "mint"
	MethodBurn      = "burn"
	MethodTransfer  = "transfer"
	MethodBalanceOf = "balanceOf"
)

// Signature describes one entry of the selector table.
type Signature struct {
	Name     string
	Args     []ArgType
	Selector [4]byte
}

// Canonical returns the signature string hashed for the selector,
// e.g. "deposit(uint256,address,uint256)".
func (s Signature) Canonical() string {
	var b bytes.Buffer
	b.WriteString(s.Name)
	b.WriteByte('(')
	for i, a := range s.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(a))
	}
	b.WriteByte(')')
	return b.String()
}

var (
	table      = map[string]Signature{}
	bySelector = map[[4]byte]Signature{}
)

func register(name string, args ...ArgType) {
	sig := Signature{Name: name, Args: args}
	copy(sig.Selector[:], crypto.Keccak256([]byte(sig.Canonical()))[:4])
	table[name] = sig
	bySelector[sig.Selector] = sig
}

func init() {
	register(MethodDeposit, Uint256, Address, Uint256)
	register(MethodRelease, Uint256, Address, Uint256)
	register(MethodRefund, Uint256, Address, Uint256)
	register(MethodMint, Address, Uint256)
	register(MethodBurn, Address, Uint256)
	register(MethodTransfer, Address, Uint256)
	register(MethodBalanceOf, Address)
}

// Lookup returns the table entry for a method name.
func Lookup(method string) (Signature, bool) {
	sig, ok := table[method]
	return sig, ok
}

// Methods lists the known method names in sorted order.
func Methods() []string {
	names := make([]string, 0, len(table))
	for n := range table {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// MaxUint256 returns 2^256-1.
func MaxUint256() *big.Int {
	return new(big.Int).Set(maxUint256)
}

// Encode builds call-data for method. Integer arguments accept *big.Int,
// int64, uint64 or int; address arguments accept common.Address or a hex
// string.
func Encode(method string, args ...any) ([]byte, error) {
	sig, ok := table[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if len(args) != len(sig.Args) {
		return nil, fmt.Errorf("%w: %s wants %d, got %d", ErrArgCount, method, len(sig.Args), len(args))
	}

	out := make([]byte, 4, 4+WordSize*len(args))
	copy(out, sig.Selector[:])
	for i, t := range sig.Args {
		var (
			word []byte
			err  error
		)
		switch t {
		case Uint256:
			word, err = EncodeUint(args[i])
		case Address:
			word, err = EncodeAddress(args[i])
		}
		if err != nil {
			return nil, fmt.Errorf("%s arg %d: %w", method, i, err)
		}
		out = append(out, word...)
	}
	return out, nil
}

// EncodeUint encodes an unsigned integer as one right-aligned word.
func EncodeUint(v any) ([]byte, error) {
	var n *big.Int
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return nil, ErrArgType
		}
		n = x
	case int64:
		n = big.NewInt(x)
	case int:
		n = big.NewInt(int64(x))
	case uint64:
		n = new(big.Int).SetUint64(x)
	default:
		return nil, fmt.Errorf("%w: %T is not an integer", ErrArgType, v)
	}
	if n.Sign() < 0 {
		return nil, ErrNegative
	}
	if n.Cmp(maxUint256) > 0 {
		return nil, ErrOverflow
	}
	return common.LeftPadBytes(n.Bytes(), WordSize), nil
}

// EncodeAddress encodes a 20-byte address as one left-padded word.
func EncodeAddress(v any) ([]byte, error) {
	var addr common.Address
	switch x := v.(type) {
	case common.Address:
		addr = x
	case string:
		if !common.IsHexAddress(x) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, x)
		}
		addr = common.HexToAddress(x)
	default:
		return nil, fmt.Errorf("%w: %T is not an address", ErrArgType, v)
	}
	return common.LeftPadBytes(addr.Bytes(), WordSize), nil
}

// Decoded is the result of Decode.
type Decoded struct {
	Method string
	Args   []any // *big.Int or common.Address, in signature order
}

// Decode parses call-data produced by Encode.
func Decode(data []byte) (*Decoded, error) {
	if len(data) < 4 {
		return nil, ErrShortData
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	sig, ok := bySelector[sel]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownSelector, sel)
	}
	body := data[4:]
	if len(body) != WordSize*len(sig.Args) {
		return nil, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrShortData, sig.Name, WordSize*len(sig.Args), len(body))
	}

	d := &Decoded{Method: sig.Name, Args: make([]any, len(sig.Args))}
	for i, t := range sig.Args {
		word := body[i*WordSize : (i+1)*WordSize]
		switch t {
		case Uint256:
			d.Args[i] = new(big.Int).SetBytes(word)
		case Address:
			for _, b := range word[:WordSize-common.AddressLength] {
				if b != 0 {
					return nil, fmt.Errorf("%s arg %d: %w", sig.Name, i, ErrDirtyPadding)
				}
			}
			d.Args[i] = common.BytesToAddress(word[WordSize-common.AddressLength:])
		}
	}
	return d, nil
}
