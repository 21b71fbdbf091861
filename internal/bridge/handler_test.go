package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/srg/buttond/internal/bridge"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/radio"
	"github.com/srg/buttond/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type HandlerSuite struct {
	testutils.SessionSuite
	Handler *bridge.Handler
}

func (s *HandlerSuite) SetupTest() {
	s.SessionSuite.SetupTest()
	s.Handler = bridge.NewHandler(s.Session, bridge.HandlerOptions{
		Logger:  s.Logger,
		Metrics: s.Metrics,
	})
}

func (s *HandlerSuite) call(method string, params any) bridge.Response {
	req := bridge.Request{ID: 7, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		s.Require().NoError(err)
		req.Params = data
	}
	resp := s.Handler.Handle(s.Helper.Context(), req)
	s.Equal(int64(7), resp.ID)
	return resp
}

func (s *HandlerSuite) assertResult(resp bridge.Response, expected string) {
	s.Require().Nil(resp.Error, "unexpected error: %v", resp.Error)
	testutils.NewJSONAsserter(s.T()).WithOptions(testutils.WithIgnoreExtraKeys(false)).
		Assert(string(resp.Result), expected)
}

func (s *HandlerSuite) assertCode(resp bridge.Response, code string) {
	s.Require().NotNil(resp.Error)
	s.Equal(code, resp.Error.Code)
	s.Empty(resp.Result)
}

func (s *HandlerSuite) TestGetButtons() {
	s.assertResult(s.call(bridge.MethodGetButtons, nil), `{"buttons":[]}`)

	s.Seed(radio.Peripheral{ID: "A", Name: "Alpha"}, radio.Peripheral{ID: "B", Name: "Bravo"})
	s.assertResult(s.call(bridge.MethodGetButtons, nil), `{"buttons":[
		{"buttonId":"A","name":"Alpha","state":1},
		{"buttonId":"B","name":"Bravo","state":1}
	]}`)
}

func (s *HandlerSuite) TestIsScanningAndStopScan() {
	s.assertResult(s.call(bridge.MethodIsScanning, nil), `{"isScanning":false}`)

	s.Require().NoError(s.Session.StartScan(nil))
	s.assertResult(s.call(bridge.MethodIsScanning, nil), `{"isScanning":true}`)

	s.assertResult(s.call(bridge.MethodStopScan, nil), `{"stopScan":true}`)
	s.assertResult(s.call(bridge.MethodIsScanning, nil), `{"isScanning":false}`)
	s.assertResult(s.call(bridge.MethodStopScan, nil), `{"stopScan":true}`)
}

// scanAsync issues scanForButtons and waits until the radio runs the scan.
func (s *HandlerSuite) scanAsync() <-chan bridge.Response {
	out := make(chan bridge.Response, 1)
	go func() { out <- s.call(bridge.MethodScanForButtons, nil) }()

	s.Require().Eventually(func() bool {
		return s.Radio.ActiveScan() != 0
	}, s.Timeout, time.Millisecond)
	return out
}

func (s *HandlerSuite) response(ch <-chan bridge.Response) bridge.Response {
	select {
	case resp := <-ch:
		return resp
	case <-time.After(s.Timeout):
		s.FailNow("request did not complete")
		return bridge.Response{}
	}
}

func (s *HandlerSuite) TestScanForButtonsSucceeds() {
	pending := s.scanAsync()

	s.Radio.ScanProgress(radio.ProgressDiscovered)
	s.Radio.CompleteScan(radio.Peripheral{ID: "C", Name: "Charlie"})

	s.assertResult(s.response(pending), `{"message":"Scan successful"}`)
	s.assertResult(s.call(bridge.MethodGetButtons, nil), `{"buttons":[{"buttonId":"C","name":"Charlie","state":1}]}`)
}

func (s *HandlerSuite) TestScanForButtonsFails() {
	pending := s.scanAsync()

	s.Radio.FailScan(errors.New("no button found"))

	resp := s.response(pending)
	s.assertCode(resp, string(button.KindScanFailed))
	s.Contains(resp.Error.Message, "no button found")
}

func (s *HandlerSuite) TestScanReplacedByAnotherRequest() {
	first := s.scanAsync()
	scan := s.Radio.ActiveScan()

	second := make(chan bridge.Response, 1)
	go func() { second <- s.call(bridge.MethodScanForButtons, nil) }()

	resp := s.response(first)
	s.assertCode(resp, string(button.KindScanFailed))
	s.Contains(resp.Error.Message, "scan stopped")

	s.Require().Eventually(func() bool {
		return s.Radio.ActiveScan() != scan && s.Radio.ActiveScan() != 0
	}, s.Timeout, time.Millisecond)
	s.Radio.CompleteScan(radio.Peripheral{ID: "D"})
	s.assertResult(s.response(second), `{"message":"Scan successful"}`)
}

func (s *HandlerSuite) TestConnectAndDisconnect() {
	s.Seed(radio.Peripheral{ID: "A", Name: "Alpha"})

	s.assertResult(s.call(bridge.MethodConnectButton, bridge.ButtonParams{ButtonID: "A"}), `{"message":"Button connecting..."}`)
	s.assertResult(s.call(bridge.MethodDisconnectButton, bridge.ButtonParams{ButtonID: "a"}), `{"message":"Button disconnected"}`)
	s.Equal([]string{"attach", "connect", "disconnect"}, s.Radio.Ops())
}

func (s *HandlerSuite) TestConnectUnknownButton() {
	resp := s.call(bridge.MethodConnectButton, bridge.ButtonParams{ButtonID: "X"})
	s.assertCode(resp, "ButtonNotFound")
	s.Contains(resp.Error.Message, `"X"`)

	s.assertCode(s.call(bridge.MethodDisconnectButton, bridge.ButtonParams{ButtonID: "X"}), "ButtonNotFound")
}

func (s *HandlerSuite) TestInvalidParams() {
	s.assertCode(s.call(bridge.MethodConnectButton, nil), bridge.CodeInvalidRequest)
	s.assertCode(s.call(bridge.MethodConnectButton, map[string]any{"buttonId": 12}), bridge.CodeInvalidRequest)
	s.assertCode(s.call(bridge.MethodDisconnectButton, bridge.ButtonParams{}), bridge.CodeInvalidRequest)
	s.assertCode(s.call("", nil), bridge.CodeInvalidRequest)
}

func (s *HandlerSuite) TestRemoveAllButtons() {
	s.Seed(radio.Peripheral{ID: "A"}, radio.Peripheral{ID: "B"})

	s.assertResult(s.call(bridge.MethodRemoveAllButtons, nil), `{"message":"All buttons removed"}`)
	s.Settle()
	s.assertResult(s.call(bridge.MethodGetButtons, nil), `{"buttons":[]}`)
}

func (s *HandlerSuite) TestEcho() {
	s.assertResult(s.call(bridge.MethodEcho, bridge.EchoParams{Value: "ping"}), `{"value":"ping"}`)
	s.assertResult(s.call(bridge.MethodEcho, nil), `{"value":null}`)
}

func (s *HandlerSuite) TestGetManagerState() {
	s.assertResult(s.call(bridge.MethodGetManagerState, nil), `{"state":0}`)

	s.Radio.SetPower(radio.PowerOn)
	s.Settle()
	s.assertResult(s.call(bridge.MethodGetManagerState, nil), `{"state":5}`)
}

func (s *HandlerSuite) TestUnknownMethod() {
	resp := s.call("reboot", nil)
	s.assertCode(resp, bridge.CodeUnknownMethod)
	s.Equal("unknown method reboot", resp.Error.Message)
}

func (s *HandlerSuite) TestRequestsAreCounted() {
	s.call(bridge.MethodGetButtons, nil)
	s.call(bridge.MethodGetButtons, nil)
	s.call("reboot", nil)

	s.Equal(2.0, testutil.ToFloat64(s.Metrics.BridgeRequests.WithLabelValues(bridge.MethodGetButtons, "ok")))
	s.Equal(1.0, testutil.ToFloat64(s.Metrics.BridgeRequests.WithLabelValues("reboot", bridge.CodeUnknownMethod)))
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

type ScanTimeoutSuite struct {
	testutils.SessionSuite
	handler *bridge.Handler
}

func (s *ScanTimeoutSuite) SetupTest() {
	s.SessionSuite.SetupTest()
	s.handler = bridge.NewHandler(s.Session, bridge.HandlerOptions{
		Logger:         s.Logger,
		RequestTimeout: 20 * time.Millisecond,
	})
}

func (s *ScanTimeoutSuite) TestScanTimesOutAndStops() {
	resp := s.handler.Handle(s.Helper.Context(), bridge.Request{ID: 1, Method: bridge.MethodScanForButtons})

	s.Require().NotNil(resp.Error)
	s.Equal(bridge.CodeTimeout, resp.Error.Code)
	s.False(s.Session.IsScanning())
	s.Equal([]string{"attach", "startScan", "stopScan"}, s.Radio.Ops())
}

func (s *ScanTimeoutSuite) TestCancelledRequestStopsScan() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := s.handler.Handle(ctx, bridge.Request{Method: bridge.MethodScanForButtons})
	s.Require().NotNil(resp.Error)
	s.False(s.Session.IsScanning())
}

func TestScanTimeoutSuite(t *testing.T) {
	suite.Run(t, new(ScanTimeoutSuite))
}
