package ledger

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"
)

// MockChainClient is a hand-written stand-in for what `mockgen
// -destination=mock_chainclient_test.go -package=ledger ChainClient`
// would generate (no mockgen execution in this environment, per spec
// §10.5's test-tooling note). Shaped the way the teacher's own generated
// mocks are used in plugin/evm/validators — a *gomock.Controller plus one
// EXPECT() call per method.
type MockChainClient struct {
	ctrl     *gomock.Controller
	recorder *MockChainClientMockRecorder
}

type MockChainClientMockRecorder struct {
	mock *MockChainClient
}

func NewMockChainClient(ctrl *gomock.Controller) *MockChainClient {
	m := &MockChainClient{ctrl: ctrl}
	m.recorder = &MockChainClientMockRecorder{m}
	return m
}

func (m *MockChainClient) EXPECT() *MockChainClientMockRecorder { return m.recorder }

func (m *MockChainClient) VaultAddress() string {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "VaultAddress")
	return ret[0].(string)
}

func (mr *MockChainClientMockRecorder) VaultAddress() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "VaultAddress", reflect.TypeOf((*MockChainClient)(nil).VaultAddress))
}

func (m *MockChainClient) Balance(ctx context.Context) (uint64, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Balance", ctx)
	return ret[0].(uint64), toErr(ret[1])
}

func (mr *MockChainClientMockRecorder) Balance(ctx interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Balance", reflect.TypeOf((*MockChainClient)(nil).Balance), ctx)
}

func (m *MockChainClient) SendBatchTransfer(ctx context.Context, transfers []Transfer) (string, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SendBatchTransfer", ctx, transfers)
	return ret[0].(string), toErr(ret[1])
}

func (mr *MockChainClientMockRecorder) SendBatchTransfer(ctx, transfers interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SendBatchTransfer", reflect.TypeOf((*MockChainClient)(nil).SendBatchTransfer), ctx, transfers)
}

func (m *MockChainClient) ConfirmTransaction(ctx context.Context, signature string) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ConfirmTransaction", ctx, signature)
	return ret[0].(bool), toErr(ret[1])
}

func (mr *MockChainClientMockRecorder) ConfirmTransaction(ctx, signature interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ConfirmTransaction", reflect.TypeOf((*MockChainClient)(nil).ConfirmTransaction), ctx, signature)
}

func (m *MockChainClient) LookupTransaction(ctx context.Context, signature string) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "LookupTransaction", ctx, signature)
	return ret[0].(bool), toErr(ret[1])
}

func (mr *MockChainClientMockRecorder) LookupTransaction(ctx, signature interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "LookupTransaction", reflect.TypeOf((*MockChainClient)(nil).LookupTransaction), ctx, signature)
}

func (m *MockChainClient) Ping(ctx context.Context) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Ping", ctx)
	return toErr(ret[0])
}

func (mr *MockChainClientMockRecorder) Ping(ctx interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Ping", reflect.TypeOf((*MockChainClient)(nil).Ping), ctx)
}

func toErr(v interface{}) error {
	if v == nil {
		return nil
	}
	return v.(error)
}
