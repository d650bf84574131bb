package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gapguard/core"
	"gapguard/native/gov"
	"gapguard/native/oracle"
	"gapguard/native/policy"
	"gapguard/native/premium"
	"gapguard/storage"
)

const testSecret = "test-guardian-secret"

func testAddr(suffix byte) [20]byte {
	var out [20]byte
	out[len(out)-1] = suffix
	return out
}

func newTestServer(t *testing.T) (*httptest.Server, *Server, [20]byte) {
	t.Helper()
	guardian := testAddr(0xaa)
	staker := testAddr(0x01)
	holder := testAddr(0x02)

	feed := oracle.NewManual()
	require.NoError(t, feed.SetDecimal("200.00", time.Now().UTC()))

	node, err := core.NewNode(storage.NewMemDB(), core.NodeConfig{
		Gov:     gov.DefaultParams(guardian),
		Policy:  policy.DefaultParams(time.Now().UTC().Add(-100 * time.Hour)),
		Premium: premium.DefaultParams(),
		Oracle:  feed,
	})
	require.NoError(t, err)
	require.NoError(t, node.Genesis(map[[20]byte]*big.Int{
		staker: big.NewInt(1_000_000),
		holder: big.NewInt(100_000),
	}))
	_, err = node.Stake(staker, big.NewInt(500_000))
	require.NoError(t, err)

	opts := Options{GuardianSecret: testSecret, RequestsPerSecond: 1000, Burst: 1000}
	server := NewServer(node, nil, opts)
	ts := httptest.NewServer(server.Router(opts))
	t.Cleanup(ts.Close)
	return ts, server, holder
}

func postJSON(t *testing.T, url string, body interface{}, token string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	require.Equal(t, "ok", body["status"])
}

func TestPoolStatsEndpoint(t *testing.T) {
	ts, _, holder := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/pool/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	decodeBody(t, resp, &body)
	require.Equal(t, "500000", body["totalStaked"])
	require.Equal(t, float64(0), body["policyCount"])

	resp = postJSON(t, ts.URL+"/v1/policies", buyPolicyRequest{
		Holder:       core.FormatAddress(holder),
		Coverage:     "10000",
		ThresholdBps: 500,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/pool/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	require.Equal(t, float64(1), body["policyCount"])
	require.Equal(t, "10000", body["totalCoverage"])
}

func TestBuyPolicyEndpoint(t *testing.T) {
	ts, _, holder := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/policies", buyPolicyRequest{
		Holder:       core.FormatAddress(holder),
		Coverage:     "100000",
		ThresholdBps: 500,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created policyResponse
	decodeBody(t, resp, &created)
	require.Equal(t, uint64(1), created.ID)
	require.Equal(t, "active", created.Status)

	resp, err := http.Get(ts.URL + "/v1/policies/1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/policies/99")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQuoteEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/policies/quote", quoteRequest{
		Coverage:     "100000",
		ThresholdBps: 500,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var eligibility policy.Eligibility
	decodeBody(t, resp, &eligibility)
	require.True(t, eligibility.Allowed)
	require.NotNil(t, eligibility.EstimatedPremium)

	// Out-of-range threshold is ineligible, not an error.
	resp = postJSON(t, ts.URL+"/v1/policies/quote", quoteRequest{
		Coverage:     "100000",
		ThresholdBps: 5,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &eligibility)
	require.False(t, eligibility.Allowed)
	require.NotEmpty(t, eligibility.Reason)
}

func TestStakeAndWithdrawEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t)
	staker := testAddr(0x01)

	resp := postJSON(t, ts.URL+"/v1/pool/stake", amountRequest{
		Address: core.FormatAddress(staker),
		Amount:  "100000",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/pool/withdrawals", amountRequest{
		Address: core.FormatAddress(staker),
		Amount:  "50000",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var receipt map[string]interface{}
	decodeBody(t, resp, &receipt)
	require.Equal(t, true, receipt["immediate"])

	// Over-balance withdrawal maps to 422.
	resp = postJSON(t, ts.URL+"/v1/pool/withdrawals", amountRequest{
		Address: core.FormatAddress(staker),
		Amount:  "99999999",
	}, "")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGuardianEndpointsRequireToken(t *testing.T) {
	ts, server, _ := newTestServer(t)
	guardian := testAddr(0xaa)

	body := guardianRequest{Caller: core.FormatAddress(guardian), Week: 3, SplitBps: 9_300}

	resp := postJSON(t, ts.URL+"/v1/gov/settlement-approvals", body, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/gov/settlement-approvals", body, "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := server.Auth().IssueToken(time.Hour)
	require.NoError(t, err)
	resp = postJSON(t, ts.URL+"/v1/gov/settlement-approvals", body, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A valid token does not bypass the guardian address check.
	impostor := guardianRequest{Caller: core.FormatAddress(testAddr(0xbb)), Week: 4, SplitBps: 9_300}
	resp = postJSON(t, ts.URL+"/v1/gov/volatility", guardianRequest{
		Caller: impostor.Caller,
		Bps:    12_000,
	}, token)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPauseEndpointBlocksPurchases(t *testing.T) {
	ts, server, holder := newTestServer(t)
	guardian := testAddr(0xaa)

	token, err := server.Auth().IssueToken(time.Hour)
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/v1/gov/pause", guardianRequest{Caller: core.FormatAddress(guardian)}, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/policies", buyPolicyRequest{
		Holder:       core.FormatAddress(holder),
		Coverage:     "100000",
		ThresholdBps: 500,
	}, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/gov/unpause", guardianRequest{Caller: core.FormatAddress(guardian)}, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMalformedRequests(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/pool/stake", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/pool/stake", amountRequest{Address: "xyz", Amount: "100"}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/pool/stake", amountRequest{
		Address: core.FormatAddress(testAddr(0x01)),
		Amount:  "-5",
	}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
