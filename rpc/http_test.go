package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"opencritique/core"
	"opencritique/crypto"
	"opencritique/ledger"
	"opencritique/ledger/ledgertest"
	"opencritique/native/bounty"
)

const testToken = "test-token"

type testRig struct {
	store   *core.Store
	engine  *bounty.Engine
	gateway *ledgertest.Ledger
	server  *httptest.Server
	author  crypto.Address
	critic  crypto.Address
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	escrowOwner := crypto.MustNewAddress(crypto.OCPrefix, bytes.Repeat([]byte{0xE5}, crypto.AddressLength))
	rig := &testRig{
		store:   core.NewStore(),
		gateway: ledgertest.NewLedger(escrowOwner),
		author:  crypto.MustNewAddress(crypto.OCPrefix, bytes.Repeat([]byte{0xA1}, crypto.AddressLength)),
		critic:  crypto.MustNewAddress(crypto.OCPrefix, bytes.Repeat([]byte{0xC1}, crypto.AddressLength)),
	}
	rig.gateway.SetFee(10)

	rig.engine = bounty.NewEngine()
	rig.engine.SetState(rig.store)
	rig.engine.SetGateway(rig.gateway)
	rig.engine.SetEscrowOwner(escrowOwner)
	rig.engine.SetTransferFee(10)

	srv := NewServer(rig.store, rig.engine, "oc-main", testToken, nil)
	rig.server = httptest.NewServer(srv.Router())
	t.Cleanup(rig.server.Close)
	return rig
}

type rpcResult struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (rig *testRig) call(t *testing.T, authed bool, method string, params interface{}) (*rpcResult, int) {
	t.Helper()
	var paramList []interface{}
	if params != nil {
		paramList = []interface{}{params}
	}
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  paramList,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, rig.server.URL+"/", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := &rpcResult{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return out, resp.StatusCode
}

func (rig *testRig) mustResult(t *testing.T, method string, params, into interface{}) {
	t.Helper()
	out, status := rig.call(t, true, method, params)
	require.Nil(t, out.Error, "method %s: %+v", method, out.Error)
	require.Equal(t, http.StatusOK, status)
	if into != nil {
		require.NoError(t, json.Unmarshal(out.Result, into))
	}
}

func TestMutatingMethodsRequireAuth(t *testing.T) {
	rig := newTestRig(t)
	for _, method := range []string{
		"work_create", "work_delete", "critique_post", "critique_upvote",
		"bounty_prepare", "bounty_release", "bounty_withdraw",
	} {
		out, status := rig.call(t, false, method, map[string]interface{}{})
		require.Equal(t, http.StatusUnauthorized, status, method)
		require.NotNil(t, out.Error, method)
		require.Equal(t, codeUnauthorized, out.Error.Code, method)
	}
}

func TestMethodNotFound(t *testing.T) {
	rig := newTestRig(t)
	out, status := rig.call(t, false, "bogus_method", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, out.Error)
	require.Equal(t, codeMethodNotFound, out.Error.Code)
}

func TestHealthz(t *testing.T) {
	rig := newTestRig(t)
	resp, err := http.Get(rig.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBountyLifecycleOverRPC(t *testing.T) {
	rig := newTestRig(t)

	var work workJSON
	rig.mustResult(t, "work_create", map[string]interface{}{
		"author": rig.author.String(),
		"title":  "Study in Blue",
	}, &work)

	var critique critiqueJSON
	rig.mustResult(t, "critique_post", map[string]interface{}{
		"workId": work.ID,
		"critic": rig.critic.String(),
		"text":   "strong opening",
	}, &critique)

	var prepared bountyJSON
	rig.mustResult(t, "bounty_prepare", map[string]interface{}{
		"workId": work.ID,
		"caller": rig.author.String(),
		"amount": 500,
	}, &prepared)
	require.Equal(t, "oc-main", prepared.Ledger)
	require.False(t, prepared.Released)

	var escrow escrowAccountJSON
	rig.mustResult(t, "bounty_escrowAccount", map[string]interface{}{"workId": work.ID}, &escrow)
	require.Equal(t, prepared.Subaccount, escrow.Subaccount)

	account, err := ledger.ParseAccountID(escrow.Account)
	require.NoError(t, err)
	rig.gateway.Credit(account, 510)

	var balance balanceJSON
	rig.mustResult(t, "bounty_balance", map[string]interface{}{"workId": work.ID}, &balance)
	require.False(t, balance.QueryFailed)
	require.Equal(t, uint64(510), balance.Balance)

	var released releaseJSON
	rig.mustResult(t, "bounty_release", map[string]interface{}{
		"workId":     work.ID,
		"caller":     rig.author.String(),
		"critiqueId": critique.ID,
	}, &released)
	require.Equal(t, rig.critic.String(), released.Recipient)
	require.Equal(t, uint64(500), released.Amount)

	var record bountyJSON
	rig.mustResult(t, "bounty_get", map[string]interface{}{"workId": work.ID}, &record)
	require.True(t, record.Released)
	require.Equal(t, rig.critic.String(), record.Recipient)

	// Second release must surface the conflict code without touching funds.
	out, status := rig.call(t, true, "bounty_release", map[string]interface{}{
		"workId":     work.ID,
		"caller":     rig.author.String(),
		"critiqueId": critique.ID,
	})
	require.Equal(t, http.StatusConflict, status)
	require.NotNil(t, out.Error)
	require.Equal(t, codeBountyConflict, out.Error.Code)
}

func TestBountyErrorMapping(t *testing.T) {
	rig := newTestRig(t)

	var work workJSON
	rig.mustResult(t, "work_create", map[string]interface{}{
		"author": rig.author.String(),
		"title":  "Untitled",
	}, &work)

	out, status := rig.call(t, true, "bounty_release", map[string]interface{}{
		"workId": work.ID,
		"caller": rig.author.String(),
	})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeBountyNotFound, out.Error.Code)

	rig.mustResult(t, "bounty_prepare", map[string]interface{}{
		"workId": work.ID,
		"caller": rig.author.String(),
		"amount": 500,
	}, nil)

	out, status = rig.call(t, true, "bounty_release", map[string]interface{}{
		"workId": work.ID,
		"caller": rig.critic.String(),
	})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, codeBountyForbidden, out.Error.Code)

	out, status = rig.call(t, true, "bounty_release", map[string]interface{}{
		"workId":     work.ID,
		"caller":     rig.author.String(),
		"critiqueId": 0,
	})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeBountyNotFound, out.Error.Code)

	out, status = rig.call(t, true, "bounty_prepare", map[string]interface{}{
		"workId": work.ID,
		"caller": rig.author.String(),
		"amount": 0,
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeBountyInvalidParams, out.Error.Code)
}

func TestBountyBalanceQueryFailure(t *testing.T) {
	rig := newTestRig(t)

	var work workJSON
	rig.mustResult(t, "work_create", map[string]interface{}{
		"author": rig.author.String(),
		"title":  "Untitled",
	}, &work)
	rig.mustResult(t, "bounty_prepare", map[string]interface{}{
		"workId": work.ID,
		"caller": rig.author.String(),
		"amount": 500,
	}, nil)

	rig.gateway.BalanceErr = &ledger.TransportError{Op: "balanceOf", Err: fmt.Errorf("down")}
	var balance balanceJSON
	rig.mustResult(t, "bounty_balance", map[string]interface{}{"workId": work.ID}, &balance)
	require.True(t, balance.QueryFailed)
	require.Zero(t, balance.Balance)
}

func TestWithdrawOverRPC(t *testing.T) {
	rig := newTestRig(t)

	var work workJSON
	rig.mustResult(t, "work_create", map[string]interface{}{
		"author": rig.author.String(),
		"title":  "Untitled",
	}, &work)

	var prepared bountyJSON
	rig.mustResult(t, "bounty_prepare", map[string]interface{}{
		"workId": work.ID,
		"caller": rig.author.String(),
		"amount": 500,
	}, &prepared)

	sub, err := hex.DecodeString(prepared.Subaccount)
	require.NoError(t, err)
	require.Len(t, sub, 32)

	var withdrawn withdrawJSON
	rig.mustResult(t, "bounty_withdraw", map[string]interface{}{
		"workId": work.ID,
		"caller": rig.author.String(),
	}, &withdrawn)
	require.True(t, withdrawn.Cleared)
	require.Zero(t, withdrawn.Amount)

	out, status := rig.call(t, true, "bounty_get", map[string]interface{}{"workId": work.ID})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeBountyNotFound, out.Error.Code)
}

func TestWorkAndCritiqueEndpoints(t *testing.T) {
	rig := newTestRig(t)

	var work workJSON
	rig.mustResult(t, "work_create", map[string]interface{}{
		"author": rig.author.String(),
		"title":  "Study in Blue",
	}, &work)

	var listed []workJSON
	rig.mustResult(t, "work_list", nil, &listed)
	require.Len(t, listed, 1)

	var critique critiqueJSON
	rig.mustResult(t, "critique_post", map[string]interface{}{
		"workId": work.ID,
		"critic": rig.critic.String(),
		"text":   "strong opening",
	}, &critique)

	voter := crypto.MustNewAddress(crypto.OCPrefix, bytes.Repeat([]byte{0x07}, crypto.AddressLength))
	var upvoted critiqueJSON
	rig.mustResult(t, "critique_upvote", map[string]interface{}{
		"workId":     work.ID,
		"critiqueId": critique.ID,
		"voter":      voter.String(),
	}, &upvoted)
	require.Equal(t, uint64(1), upvoted.Upvotes)

	var points map[string]uint64
	rig.mustResult(t, "points_get", map[string]interface{}{"address": rig.critic.String()}, &points)
	require.Equal(t, uint64(1), points["points"])

	rig.mustResult(t, "work_delete", map[string]interface{}{
		"id":     work.ID,
		"caller": rig.author.String(),
	}, nil)

	out, status := rig.call(t, false, "work_get", map[string]interface{}{"id": work.ID})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeWorkNotFound, out.Error.Code)
}
