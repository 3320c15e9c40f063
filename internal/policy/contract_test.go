package policy

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zafegard/zafegard/internal/identity"
)

var t0 = time.Unix(1_700_000_000, 0)

func testAddr(kind identity.AddressKind, b byte) identity.Address {
	var p [32]byte
	for i := range p {
		p[i] = b
	}
	return identity.EncodeAddress(kind, p)
}

func edKey(b byte) identity.SignerKey {
	var k identity.Ed25519Key
	for i := range k.PublicKey {
		k.PublicKey[i] = b
	}
	return k
}

var (
	adminX   = testAddr(identity.AccountAddress, 1)
	assetZ   = testAddr(identity.ContractAddress, 2)
	other    = testAddr(identity.ContractAddress, 3)
	wallet   = testAddr(identity.ContractAddress, 4)
	payee    = testAddr(identity.AccountAddress, 5)
	intruder = testAddr(identity.AccountAddress, 6)
)

func spend(asset identity.Address, n int64) InvocationContext {
	return Transfer(asset, wallet, payee, big.NewInt(n))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	data   []map[string]interface{}
}

func (p *recordingPublisher) PublishPolicyEvent(eventType string, data map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	p.data = append(p.data, data)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type fakeRegistrar struct {
	mu      sync.Mutex
	added   []SignerGrant
	removed []identity.SignerKey
	fail    error
}

func (r *fakeRegistrar) AddSigner(_ context.Context, g SignerGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.added = append(r.added, g)
	return nil
}

func (r *fakeRegistrar) RemoveSigner(_ context.Context, k identity.SignerKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.removed = append(r.removed, k)
	return nil
}

type fixture struct {
	contract  *Contract
	store     *MemoryStore
	clock     *FakeClock
	events    *recordingPublisher
	registrar *fakeRegistrar
}

func newFixture(t *testing.T, initialized bool) *fixture {
	t.Helper()
	f := &fixture{
		store:     NewMemoryStore(),
		clock:     NewFakeClock(t0),
		events:    &recordingPublisher{},
		registrar: &fakeRegistrar{},
	}
	f.contract = NewContract(f.store,
		WithClock(f.clock),
		WithEventPublisher(f.events),
		WithRegistrar(f.registrar),
		WithPolicyAddress(testAddr(identity.ContractAddress, 9)),
	)
	if initialized {
		require.NoError(t, f.contract.Init(context.Background(), adminX))
	}
	return f
}

func (f *fixture) add(t *testing.T, signer identity.SignerKey, interval uint32, limit int64) {
	t.Helper()
	_, err := f.contract.AddWallet(context.Background(), adminX, signer, assetZ, interval, big.NewInt(limit))
	require.NoError(t, err)
}

func (f *fixture) eval(signer identity.SignerKey, contexts ...InvocationContext) error {
	_, err := f.contract.Evaluate(context.Background(), wallet, signer, contexts)
	return err
}

// ============================================================================
// Decision properties
// ============================================================================

func TestEvaluate_UnregisteredSignerNotFound(t *testing.T) {
	f := newFixture(t, true)
	signer := edKey(7)

	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 1)), ErrNotFound)

	// Usage without a policy is not registration.
	require.NoError(t, f.store.Tx(context.Background(), func(tx Tx) error {
		return tx.PutUsage(context.Background(), &UsageRecord{Signer: signer, LastAuthorizedAt: 1, AmountUsedInWindow: big.NewInt(1)})
	}))
	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 1)), ErrNotFound)
}

func TestEvaluate_CapThenTooSoon(t *testing.T) {
	f := newFixture(t, true)
	signer := edKey(7)
	f.add(t, signer, 60, 500)

	require.NoError(t, f.eval(signer, spend(assetZ, 500)))
	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 1)), ErrTooSoon)
}

func TestEvaluate_WindowResets(t *testing.T) {
	f := newFixture(t, true)
	signer := edKey(7)
	f.add(t, signer, 60, 500)

	require.NoError(t, f.eval(signer, spend(assetZ, 500)))
	f.clock.Advance(60 * time.Second)

	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 501)), ErrTooMuch)
	require.NoError(t, f.eval(signer, spend(assetZ, 500)))
}

func TestEvaluate_AfterRemoveNotFound(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	signer := edKey(7)
	f.add(t, signer, 0, 100)
	require.NoError(t, f.eval(signer, spend(assetZ, 10)))

	require.NoError(t, f.contract.RemoveWallet(ctx, adminX, signer))
	f.clock.Advance(time.Hour)
	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 10)), ErrNotFound)

	// The usage record survives removal.
	u, err := f.contract.GetUsage(ctx, signer)
	require.NoError(t, err)
	assert.Equal(t, "10", u.AmountUsedInWindow.String())
}

func TestEvaluate_UpdateCapKeepsInterval(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	signer := edKey(7)
	f.add(t, signer, 100, 50)

	require.NoError(t, f.eval(signer, spend(assetZ, 50)))

	p, err := f.contract.UpdateWallet(ctx, adminX, signer, WalletUpdate{AmountCap: big.NewInt(80)})
	require.NoError(t, err)
	assert.Equal(t, uint32(100), p.Interval)
	assert.Equal(t, assetZ, p.ProtectedAsset)

	f.clock.Advance(99 * time.Second)
	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 80)), ErrTooSoon)

	f.clock.Advance(time.Second)
	require.NoError(t, f.eval(signer, spend(assetZ, 80)))
}

func TestEvaluate_UpdateIntervalOnly(t *testing.T) {
	f := newFixture(t, true)
	signer := edKey(7)
	f.add(t, signer, 3600, 50)
	require.NoError(t, f.eval(signer, spend(assetZ, 50)))

	interval := uint32(10)
	p, err := f.contract.UpdateWallet(context.Background(), adminX, signer, WalletUpdate{Interval: &interval})
	require.NoError(t, err)
	assert.Equal(t, "50", p.AmountCap.String())

	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.eval(signer, spend(assetZ, 50)))
}

func TestEvaluate_ConcreteScenario(t *testing.T) {
	f := newFixture(t, true)
	signerY := edKey(0x59)
	f.add(t, signerY, 3600, 1000)

	require.NoError(t, f.eval(signerY, spend(assetZ, 1000)))

	f.clock.Advance(time.Second)
	assert.ErrorIs(t, f.eval(signerY, spend(assetZ, 1)), ErrTooSoon)

	f.clock.Advance(3600 * time.Second)
	assert.ErrorIs(t, f.eval(signerY, spend(assetZ, 1001)), ErrTooMuch)
	require.NoError(t, f.eval(signerY, spend(assetZ, 1000)))
}

func TestEvaluate_DenialWritesNothing(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	signer := edKey(7)
	f.add(t, signer, 60, 100)

	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 101)), ErrTooMuch)
	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 1), spend(other, 1)), ErrNotAllowed)

	_, err := f.contract.GetUsage(ctx, signer)
	assert.ErrorIs(t, err, ErrNotFound, "denied batches must not create a usage record")

	// A denial inside a window leaves the prior record intact.
	require.NoError(t, f.eval(signer, spend(assetZ, 40)))
	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 1)), ErrTooSoon)
	u, err := f.contract.GetUsage(ctx, signer)
	require.NoError(t, err)
	assert.Equal(t, "40", u.AmountUsedInWindow.String())
	assert.Equal(t, uint64(t0.Unix()), u.LastAuthorizedAt)
}

func TestEvaluate_BatchSumsAgainstCap(t *testing.T) {
	f := newFixture(t, true)
	signer := edKey(7)
	f.add(t, signer, 0, 100)

	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 60), spend(assetZ, 41)), ErrTooMuch)
	require.NoError(t, f.eval(signer, spend(assetZ, 60), spend(assetZ, 40)))

	u, err := f.contract.GetUsage(context.Background(), signer)
	require.NoError(t, err)
	assert.Equal(t, "100", u.AmountUsedInWindow.String())
}

func TestEvaluate_SumBeyondI128IsTooMuch(t *testing.T) {
	f := newFixture(t, true)
	signer := edKey(7)
	limit := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	_, err := f.contract.AddWallet(context.Background(), adminX, signer, assetZ, 0, limit)
	require.NoError(t, err)

	huge := Transfer(assetZ, wallet, payee, limit)
	assert.ErrorIs(t, f.eval(signer, huge, huge), ErrTooMuch)
	require.NoError(t, f.eval(signer, huge))
}

func TestEvaluate_RejectedShapes(t *testing.T) {
	f := newFixture(t, true)
	signer := edKey(7)
	f.add(t, signer, 0, 1000)

	tests := []struct {
		name     string
		contexts []InvocationContext
	}{
		{"empty batch", nil},
		{"foreign asset", []InvocationContext{spend(other, 1)}},
		{"mixed batch", []InvocationContext{spend(assetZ, 1), spend(other, 1)}},
		{"create contract", []InvocationContext{{Kind: ContextCreateContract}}},
		{"unknown function", []InvocationContext{{Kind: ContextContract, Contract: assetZ, FnName: "approve",
			Args: []Val{AddressVal(wallet), AddressVal(payee), I128Int(1), U32(100)}}}},
		{"negative transfer", []InvocationContext{spend(assetZ, -5)}},
		{"missing amount", []InvocationContext{{Kind: ContextContract, Contract: assetZ, FnName: "transfer",
			Args: []Val{AddressVal(wallet), AddressVal(payee)}}}},
		{"amount wrong type", []InvocationContext{{Kind: ContextContract, Contract: assetZ, FnName: "transfer",
			Args: []Val{AddressVal(wallet), AddressVal(payee), U64(5)}}}},
		{"multi-asset deposit", []InvocationContext{{Kind: ContextContract, Contract: assetZ, FnName: "deposit",
			Args: []Val{Vec(I128Int(1), I128Int(2)), Vec(I128Int(1), I128Int(2)), AddressVal(wallet), Bool(false)}}}},
		{"deposit claim wrong type", []InvocationContext{{Kind: ContextContract, Contract: assetZ, FnName: "deposit",
			Args: []Val{Vec(I128Int(1)), Vec(I128Int(1)), AddressVal(wallet), Symbol("yes")}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.eval(signer, tt.contexts...)
			assert.ErrorIs(t, err, ErrNotAllowed)
		})
	}
}

func TestEvaluate_DepositShape(t *testing.T) {
	f := newFixture(t, true)
	signer := edKey(7)
	f.add(t, signer, 30*24*3600, 100)

	require.NoError(t, f.eval(signer, Deposit(assetZ, wallet, big.NewInt(100))))
	assert.ErrorIs(t, f.eval(signer, Deposit(assetZ, wallet, big.NewInt(100))), ErrTooSoon)

	f.clock.Advance(30 * 24 * time.Hour)
	assert.ErrorIs(t, f.eval(signer, Deposit(other, wallet, big.NewInt(100))), ErrNotAllowed)

	threeArgs := Deposit(assetZ, wallet, big.NewInt(100))
	threeArgs.Args = threeArgs.Args[:3]
	require.NoError(t, f.eval(signer, threeArgs))
}

func TestEvaluate_ClockBeforeLastAuthorization(t *testing.T) {
	f := newFixture(t, true)
	signer := edKey(7)
	f.add(t, signer, 10, 100)
	require.NoError(t, f.eval(signer, spend(assetZ, 1)))

	f.clock.Set(t0.Add(-time.Hour))
	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 1)), ErrTooSoon)
}

func TestEvaluate_ZeroIntervalAndZeroCap(t *testing.T) {
	f := newFixture(t, true)
	open := edKey(7)
	f.add(t, open, 0, 10)
	require.NoError(t, f.eval(open, spend(assetZ, 10)))
	require.NoError(t, f.eval(open, spend(assetZ, 10)))

	frozen := edKey(8)
	f.add(t, frozen, 0, 0)
	assert.ErrorIs(t, f.eval(frozen, spend(assetZ, 1)), ErrTooMuch)
	require.NoError(t, f.eval(frozen, spend(assetZ, 0)))
}

func TestEvaluate_RacingSameSignerOnlyOneWins(t *testing.T) {
	f := newFixture(t, true)
	signer := edKey(7)
	f.add(t, signer, 3600, 100)

	const n = 32
	var granted, tooSoon atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := f.eval(signer, spend(assetZ, 100))
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, ErrTooSoon):
				tooSoon.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), granted.Load())
	assert.Equal(t, int32(n-1), tooSoon.Load())
}

func TestEvaluate_CancelledContext(t *testing.T) {
	f := newFixture(t, true)
	signer := edKey(7)
	f.add(t, signer, 0, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.contract.Evaluate(ctx, wallet, signer, []InvocationContext{spend(assetZ, 1)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, CodeOf(err))
}

func TestEvaluate_SignerVariantsAreDistinct(t *testing.T) {
	f := newFixture(t, true)
	ed := edKey(7)
	raw := ed.(identity.Ed25519Key).PublicKey
	passkey := identity.Secp256r1Key{ID: raw[:]}
	delegated := identity.PolicyKey{Policy: other}

	f.add(t, ed, 3600, 100)
	assert.ErrorIs(t, f.eval(passkey, spend(assetZ, 1)), ErrNotFound)
	assert.ErrorIs(t, f.eval(delegated, spend(assetZ, 1)), ErrNotFound)

	f.add(t, passkey, 3600, 100)
	f.add(t, delegated, 3600, 100)
	require.NoError(t, f.eval(ed, spend(assetZ, 100)))
	require.NoError(t, f.eval(passkey, spend(assetZ, 100)))
	require.NoError(t, f.eval(delegated, spend(assetZ, 100)))
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestInit_Twice(t *testing.T) {
	f := newFixture(t, true)
	err := f.contract.Init(context.Background(), intruder)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	rec, err := f.contract.GetAdmin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, adminX, rec.Current)
	assert.Nil(t, rec.Previous)
}

func TestInit_InvalidAdmin(t *testing.T) {
	tests := []struct {
		name  string
		admin identity.Address
	}{
		{"empty", ""},
		{"garbage", "GNOPE"},
		{"lowercase strkey", identity.Address(strings.ToLower(string(adminX)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			err := f.contract.Init(context.Background(), tt.admin)
			assert.ErrorIs(t, err, ErrInvalidAdmin)
			assert.Zero(t, CodeOf(err), "input errors stay outside the coded failures")

			_, err = f.contract.GetAdmin(context.Background())
			assert.ErrorIs(t, err, ErrNotInitialized)
		})
	}
}

func TestLifecycle_NotInitialized(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	signer := edKey(7)

	_, err := f.contract.AddWallet(ctx, adminX, signer, assetZ, 1, big.NewInt(1))
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, f.contract.RemoveWallet(ctx, adminX, signer), ErrNotInitialized)
	_, err = f.contract.UpdateWallet(ctx, adminX, signer, WalletUpdate{})
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = f.contract.GetAdmin(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = f.contract.RotateAdmin(ctx, adminX, intruder)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestLifecycle_NonAdminNotAllowed(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	signer := edKey(7)
	f.add(t, signer, 10, 10)

	_, err := f.contract.AddWallet(ctx, intruder, edKey(8), assetZ, 1, big.NewInt(1))
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.ErrorIs(t, f.contract.RemoveWallet(ctx, intruder, signer), ErrNotAllowed)
	_, err = f.contract.UpdateWallet(ctx, intruder, signer, WalletUpdate{AmountCap: big.NewInt(1_000_000)})
	assert.ErrorIs(t, err, ErrNotAllowed)
	_, err = f.contract.RotateAdmin(ctx, intruder, intruder)
	assert.ErrorIs(t, err, ErrNotAllowed)

	// Admin gate is checked before existence.
	assert.ErrorIs(t, f.contract.RemoveWallet(ctx, intruder, edKey(99)), ErrNotAllowed)

	p, err := f.contract.GetWallet(ctx, signer)
	require.NoError(t, err)
	assert.Equal(t, "10", p.AmountCap.String())
}

func TestLifecycle_MissingWalletNotFound(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	assert.ErrorIs(t, f.contract.RemoveWallet(ctx, adminX, edKey(7)), ErrNotFound)
	_, err := f.contract.UpdateWallet(ctx, adminX, edKey(7), WalletUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.contract.GetWallet(ctx, edKey(7))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddWallet_Validation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.contract.AddWallet(ctx, adminX, edKey(7), assetZ, 1, big.NewInt(-1))
	assert.ErrorIs(t, err, ErrNotAllowed)
	_, err = f.contract.AddWallet(ctx, adminX, nil, assetZ, 1, big.NewInt(1))
	assert.ErrorIs(t, err, ErrNotAllowed)
	_, err = f.contract.AddWallet(ctx, adminX, edKey(7), identity.Address("bogus"), 1, big.NewInt(1))
	assert.ErrorIs(t, err, ErrNotAllowed)
	tooBig := new(big.Int).Lsh(big.NewInt(1), 127)
	_, err = f.contract.AddWallet(ctx, adminX, edKey(7), assetZ, 1, tooBig)
	assert.ErrorIs(t, err, ErrNotAllowed)

	_, err = f.contract.GetWallet(ctx, edKey(7))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddWallet_IdempotentAndKeepsThrottle(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	signer := edKey(7)

	f.add(t, signer, 3600, 100)
	first, err := f.contract.GetWallet(ctx, signer)
	require.NoError(t, err)
	require.NoError(t, f.eval(signer, spend(assetZ, 100)))

	f.clock.Advance(time.Minute)
	f.add(t, signer, 3600, 100)
	second, err := f.contract.GetWallet(ctx, signer)
	require.NoError(t, err)

	assert.Equal(t, first.ProtectedAsset, second.ProtectedAsset)
	assert.Equal(t, first.Interval, second.Interval)
	assert.Equal(t, first.AmountCap.String(), second.AmountCap.String())
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 1)), ErrTooSoon)
}

func TestAddWallet_ReAddAfterRemoveInheritsUsage(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	signer := edKey(7)

	f.add(t, signer, 3600, 100)
	require.NoError(t, f.eval(signer, spend(assetZ, 100)))
	require.NoError(t, f.contract.RemoveWallet(ctx, adminX, signer))

	f.add(t, signer, 3600, 100)
	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 1)), ErrTooSoon)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.eval(signer, spend(assetZ, 1)))
}

func TestRotateAdmin(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	newAdmin := testAddr(identity.AccountAddress, 0x42)

	rec, err := f.contract.RotateAdmin(ctx, adminX, newAdmin)
	require.NoError(t, err)
	assert.Equal(t, newAdmin, rec.Current)
	require.NotNil(t, rec.Previous)
	assert.Equal(t, adminX, *rec.Previous)

	_, err = f.contract.AddWallet(ctx, adminX, edKey(7), assetZ, 1, big.NewInt(1))
	assert.ErrorIs(t, err, ErrNotAllowed, "previous admin must lose its rights")

	_, err = f.contract.AddWallet(ctx, newAdmin, edKey(7), assetZ, 1, big.NewInt(1))
	require.NoError(t, err)

	_, err = f.contract.RotateAdmin(ctx, newAdmin, "")
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestRegistrar_NotifiedOnAddAndRemove(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	signer := edKey(7)

	f.add(t, signer, 60, 10)
	require.NoError(t, f.contract.RemoveWallet(ctx, adminX, signer))

	require.Len(t, f.registrar.added, 1)
	assert.True(t, identity.Equal(signer, f.registrar.added[0].Signer))
	assert.Equal(t, assetZ, f.registrar.added[0].ProtectedAsset)
	assert.Equal(t, testAddr(identity.ContractAddress, 9), f.registrar.added[0].Policy)
	require.Len(t, f.registrar.removed, 1)
	assert.True(t, identity.Equal(signer, f.registrar.removed[0]))
}

func TestRegistrar_FailureAbortsOperation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	signer := edKey(7)
	f.add(t, signer, 60, 10)

	f.registrar.fail = errors.New("wallet unreachable")

	_, err := f.contract.AddWallet(ctx, adminX, edKey(8), assetZ, 60, big.NewInt(10))
	require.Error(t, err)
	assert.Zero(t, CodeOf(err), "infrastructure failures are not policy errors")
	_, err = f.contract.GetWallet(ctx, edKey(8))
	assert.ErrorIs(t, err, ErrNotFound)

	require.Error(t, f.contract.RemoveWallet(ctx, adminX, signer))
	_, err = f.contract.GetWallet(ctx, signer)
	assert.NoError(t, err, "failed removal must leave the wallet in place")
}

func TestEvents_PublishedAfterCommit(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	signer := edKey(7)

	f.add(t, signer, 60, 10)
	require.NoError(t, f.eval(signer, spend(assetZ, 10)))
	assert.ErrorIs(t, f.eval(signer, spend(assetZ, 10)), ErrTooSoon)
	_, err := f.contract.UpdateWallet(ctx, adminX, signer, WalletUpdate{AmountCap: big.NewInt(20)})
	require.NoError(t, err)
	require.NoError(t, f.contract.RemoveWallet(ctx, adminX, signer))
	_, err = f.contract.AddWallet(ctx, intruder, signer, assetZ, 60, big.NewInt(10))
	require.Error(t, err)

	assert.Equal(t, []string{
		EventAdminInitialized,
		EventWalletAdded,
		EventAuthorizationGranted,
		EventAuthorizationDenied,
		EventWalletUpdated,
		EventWalletRemoved,
	}, f.events.types())

	denied := f.events.data[3]
	assert.Equal(t, signer.Key(), denied["signer"])
	assert.Equal(t, uint32(5), denied["code"])
	assert.Equal(t, "too_soon", denied["error"])
}
