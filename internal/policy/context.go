package policy

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/zafegard/zafegard/internal/amount"
	"github.com/zafegard/zafegard/internal/identity"
)

// ContextKind distinguishes the sub-invocations an authorization covers.
type ContextKind string

const (
	ContextContract       ContextKind = "contract"
	ContextCreateContract ContextKind = "create_contract"
)

// InvocationContext is one sub-invocation of a proposed transaction.
type InvocationContext struct {
	Kind     ContextKind      `json:"kind"`
	Contract identity.Address `json:"contract,omitempty"`
	FnName   string           `json:"fnName,omitempty"`
	Args     []Val            `json:"args,omitempty"`
}

// Transfer builds the context of a token transfer(from, to, amount) call.
func Transfer(asset, from, to identity.Address, amt *big.Int) InvocationContext {
	return InvocationContext{
		Kind:     ContextContract,
		Contract: asset,
		FnName:   "transfer",
		Args:     []Val{AddressVal(from), AddressVal(to), I128(amt)},
	}
}

// Deposit builds the context of a single-asset vault
// deposit(amounts, min_amounts, from, claim) call.
func Deposit(vault, from identity.Address, amt *big.Int) InvocationContext {
	return InvocationContext{
		Kind:     ContextContract,
		Contract: vault,
		FnName:   "deposit",
		Args: []Val{
			Vec(I128(amt)),
			Vec(I128(amt)),
			AddressVal(from),
			Bool(false),
		},
	}
}

// spendOf extracts the amount context i spends from the protected asset.
func spendOf(i int, c InvocationContext, protected identity.Address) (*big.Int, error) {
	if c.Kind != ContextContract {
		return nil, ErrNotAllowed.withMessage("context %d: %q contexts are never authorized", i, c.Kind)
	}
	if c.Contract != protected {
		return nil, ErrNotAllowed.withMessage("context %d targets %s, not the protected asset", i, c.Contract.Short())
	}

	var (
		amt    *big.Int
		reason string
	)
	switch c.FnName {
	case "transfer":
		amt, reason = transferAmount(c.Args)
	case "deposit":
		amt, reason = depositAmount(c.Args)
	default:
		reason = fmt.Sprintf("function %q is not a recognized spend", c.FnName)
	}
	if amt == nil {
		return nil, ErrNotAllowed.withMessage("context %d: %s", i, reason)
	}
	if !amount.InRange(amt) {
		return nil, ErrNotAllowed.withMessage("context %d: amount out of i128 range", i)
	}
	if amt.Sign() < 0 {
		return nil, ErrNotAllowed.withMessage("context %d: negative amount %s", i, amt)
	}
	return amt, nil
}

// transfer(from: Address, to: Address, amount: i128)
func transferAmount(args []Val) (*big.Int, string) {
	if len(args) != 3 {
		return nil, fmt.Sprintf("transfer takes 3 arguments, got %d", len(args))
	}
	if args[0].Type != ValAddress || args[1].Type != ValAddress {
		return nil, "transfer from/to must be addresses"
	}
	if args[2].Type != ValI128 || args[2].Int == nil {
		return nil, "transfer amount must be i128"
	}
	return args[2].Int, ""
}

// deposit(amounts: Vec<i128>, min_amounts: Vec<i128>, from: Address[, claim: bool])
func depositAmount(args []Val) (*big.Int, string) {
	if len(args) != 3 && len(args) != 4 {
		return nil, fmt.Sprintf("deposit takes 3 or 4 arguments, got %d", len(args))
	}
	amounts, mins, from := args[0], args[1], args[2]
	if amounts.Type != ValVec || mins.Type != ValVec {
		return nil, "deposit amounts must be vectors"
	}
	if len(amounts.Vec) != 1 {
		return nil, fmt.Sprintf("deposit must carry exactly one amount, got %d", len(amounts.Vec))
	}
	if amounts.Vec[0].Type != ValI128 || amounts.Vec[0].Int == nil {
		return nil, "deposit amount must be i128"
	}
	if from.Type != ValAddress {
		return nil, "deposit from must be an address"
	}
	if len(args) == 4 && args[3].Type != ValBool {
		return nil, "deposit claim must be a bool"
	}
	return amounts.Vec[0].Int, ""
}

// ValType tags a host value.
type ValType string

const (
	ValVoid    ValType = "void"
	ValBool    ValType = "bool"
	ValU32     ValType = "u32"
	ValU64     ValType = "u64"
	ValI128    ValType = "i128"
	ValSymbol  ValType = "symbol"
	ValString  ValType = "string"
	ValBytes   ValType = "bytes"
	ValAddress ValType = "address"
	ValVec     ValType = "vec"
)

// Val is an invocation argument. Only the field matching Type is set.
type Val struct {
	Type    ValType
	Int     *big.Int // u32, u64, i128
	Bool    bool
	Str     string // symbol, string
	Bytes   []byte
	Address identity.Address
	Vec     []Val
}

func I128(x *big.Int) Val               { return Val{Type: ValI128, Int: x} }
func I128Int(x int64) Val               { return I128(big.NewInt(x)) }
func U32(x uint32) Val                  { return Val{Type: ValU32, Int: new(big.Int).SetUint64(uint64(x))} }
func U64(x uint64) Val                  { return Val{Type: ValU64, Int: new(big.Int).SetUint64(x)} }
func Bool(b bool) Val                   { return Val{Type: ValBool, Bool: b} }
func Symbol(s string) Val               { return Val{Type: ValSymbol, Str: s} }
func String(s string) Val               { return Val{Type: ValString, Str: s} }
func Bytes(b []byte) Val                { return Val{Type: ValBytes, Bytes: b} }
func AddressVal(a identity.Address) Val { return Val{Type: ValAddress, Address: a} }
func Vec(items ...Val) Val              { return Val{Type: ValVec, Vec: items} }
func Void() Val                         { return Val{Type: ValVoid} }

type valJSON struct {
	Type  ValType         `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (v Val) MarshalJSON() ([]byte, error) {
	var value interface{}
	switch v.Type {
	case ValVoid:
		return json.Marshal(valJSON{Type: v.Type})
	case ValBool:
		value = v.Bool
	case ValU32, ValU64:
		value = json.Number(amount.String(v.Int))
	case ValI128:
		value = amount.String(v.Int)
	case ValSymbol, ValString:
		value = v.Str
	case ValBytes:
		value = hex.EncodeToString(v.Bytes)
	case ValAddress:
		value = v.Address
	case ValVec:
		items := v.Vec
		if items == nil {
			items = []Val{}
		}
		value = items
	default:
		return nil, fmt.Errorf("policy: unknown value type %q", v.Type)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valJSON{Type: v.Type, Value: raw})
}

func (v *Val) UnmarshalJSON(data []byte) error {
	var raw valJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Val{Type: raw.Type}
	switch raw.Type {
	case ValVoid:
	case ValBool:
		if err := json.Unmarshal(raw.Value, &out.Bool); err != nil {
			return fmt.Errorf("policy: bool value: %w", err)
		}
	case ValU32, ValU64:
		n, err := strconv.ParseUint(string(unquote(raw.Value)), 10, bitsFor(raw.Type))
		if err != nil {
			return fmt.Errorf("policy: %s value: %w", raw.Type, err)
		}
		out.Int = new(big.Int).SetUint64(n)
	case ValI128:
		n, ok := amount.Parse(string(unquote(raw.Value)))
		if !ok {
			return fmt.Errorf("policy: invalid i128 value %s", raw.Value)
		}
		out.Int = n
	case ValSymbol, ValString:
		if err := json.Unmarshal(raw.Value, &out.Str); err != nil {
			return fmt.Errorf("policy: %s value: %w", raw.Type, err)
		}
	case ValBytes:
		var s string
		if err := json.Unmarshal(raw.Value, &s); err != nil {
			return fmt.Errorf("policy: bytes value: %w", err)
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("policy: bytes value: %w", err)
		}
		out.Bytes = b
	case ValAddress:
		if err := json.Unmarshal(raw.Value, &out.Address); err != nil {
			return err
		}
	case ValVec:
		if err := json.Unmarshal(raw.Value, &out.Vec); err != nil {
			return err
		}
	default:
		return fmt.Errorf("policy: unknown value type %q", raw.Type)
	}
	*v = out
	return nil
}

// unquote accepts integers as JSON numbers or strings.
func unquote(raw json.RawMessage) []byte {
	return bytes.Trim(bytes.TrimSpace(raw), `"`)
}

func bitsFor(t ValType) int {
	if t == ValU32 {
		return 32
	}
	return 64
}
