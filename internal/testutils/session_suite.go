package testutils

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/metrics"
	"github.com/srg/buttond/internal/radio"
	"github.com/srg/buttond/internal/radio/simradio"
	"github.com/srg/buttond/internal/session"
	"github.com/stretchr/testify/suite"
)

// SessionSuite wires a session.Session to a simulated radio and records every
// notification it delivers.
//
// Basic usage:
//
//	type ScanSuite struct {
//	    testutils.SessionSuite
//	}
//
//	func TestScanSuite(t *testing.T) {
//	    suite.Run(t, new(ScanSuite))
//	}
//
// Custom radio behaviour is configured before the parent SetupTest runs:
//
//	func (s *ConnectSuite) SetupTest() {
//	    s.RadioOptions.AutoConnect = true
//	    s.SessionSuite.SetupTest()
//	}
type SessionSuite struct {
	suite.Suite

	Helper  *TestHelper
	Logger  *logrus.Logger
	Timeout time.Duration

	// Configuration applied by SetupTest, reset after each test.
	RadioOptions          simradio.Options
	PessimisticDisconnect bool
	HideForget            bool

	Radio    *simradio.Radio
	Session  *session.Session
	Recorder *EventRecorder
	Metrics  *metrics.Collector
}

func (s *SessionSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Timeout = DefaultTimeout
}

func (s *SessionSuite) SetupTest() {
	s.Metrics = metrics.New(prometheus.NewRegistry())
	s.Recorder = NewEventRecorder()

	opts := s.RadioOptions
	opts.Logger = s.Logger
	s.Radio = simradio.New(opts)

	s.Session = session.New(session.Options{
		Logger:               s.Logger,
		Metrics:              s.Metrics,
		OptimisticDisconnect: !s.PessimisticDisconnect,
	})
	s.Session.Subscribe(s.Recorder.Listen)

	var r radio.Radio = s.Radio
	if s.HideForget {
		r = s.Radio.WithoutForget()
	}
	s.Require().NoError(s.Session.Bind(r))
	s.Settle()
}

func (s *SessionSuite) TearDownTest() {
	if s.Session != nil {
		s.NoError(s.Session.Close())
	}
	s.RadioOptions = simradio.Options{}
	s.PessimisticDisconnect = false
	s.HideForget = false
}

// Settle waits until every scripted radio event was handled and every resulting
// notification was delivered.
func (s *SessionSuite) Settle() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	s.Require().NoError(s.Radio.Sync(ctx), "radio did not settle")
	s.Require().NoError(s.Session.Events().Sync(ctx), "dispatcher did not settle")
}

// Seed restores the given buttons, settles and clears the recorder.
func (s *SessionSuite) Seed(peripherals ...radio.Peripheral) {
	s.Radio.Restore(peripherals...)
	s.Settle()
	s.Recorder.Reset()
}
