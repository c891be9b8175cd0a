package watch

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// fullMessage requests BODY[], the complete RFC 822 message.
var fullMessage = &imap.FetchItemBodySection{}

// imapSession implements Session on top of the go-imap client.
type imapSession struct {
	client *imapclient.Client
	// updates receives one token per unilateral mailbox-status update so
	// an IDLE wait can wake up early. Capacity 1; extra signals coalesce.
	updates chan struct{}
}

// DialIMAP opens an implicit-TLS connection to an IMAP server. The
// returned session is connected but not yet authenticated.
func DialIMAP(addr string) (Session, error) {
	updates := make(chan struct{}, 1)
	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					select {
					case updates <- struct{}{}:
					default:
					}
				}
			},
		},
	}

	client, err := imapclient.DialTLS(addr, options)
	if err != nil {
		return nil, err
	}
	return &imapSession{client: client, updates: updates}, nil
}

// Authenticate tries SASL PLAIN first and falls back to the legacy LOGIN
// command for servers that don't advertise AUTH=PLAIN.
func (s *imapSession) Authenticate(user, password string) error {
	if err := s.client.Authenticate(sasl.NewPlainClient("", user, password)); err != nil {
		if loginErr := s.client.Login(user, password).Wait(); loginErr != nil {
			return loginErr
		}
	}
	return nil
}

func (s *imapSession) Select(folder string) error {
	_, err := s.client.Select(folder, nil).Wait()
	return err
}

// SearchUnseen returns the sequence numbers of all messages without the
// \Seen flag, in mailbox order.
func (s *imapSession) SearchUnseen() ([]uint32, error) {
	data, err := s.client.Search(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllSeqNums(), nil
}

// FetchMessage retrieves the complete raw message.
func (s *imapSession) FetchMessage(seq uint32) ([]byte, error) {
	msgs, err := s.client.Fetch(imap.SeqSetNum(seq), &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{fullMessage},
	}).Collect()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %d not returned by fetch", seq)
	}
	raw := msgs[0].FindBodySection(fullMessage)
	if raw == nil {
		return nil, fmt.Errorf("fetch for message %d returned no body", seq)
	}
	return raw, nil
}

func (s *imapSession) MarkSeen(seq uint32) error {
	_, err := s.client.Store(imap.SeqSetNum(seq), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagSeen},
		Silent: true,
	}, nil).Collect()
	return err
}

// Idle blocks until the server reports mailbox activity or the timeout
// elapses. A refusal to start IDLE is reported as ErrIdleNotEngaged; an
// error while waiting or ending IDLE means the session is gone.
func (s *imapSession) Idle(timeout time.Duration) (IdleOutcome, error) {
	// Drop a stale wakeup left over from outside the previous IDLE window.
	select {
	case <-s.updates:
	default:
	}

	idleCmd, err := s.client.Idle()
	if err != nil {
		return IdleTimeout, fmt.Errorf("%w: %v", ErrIdleNotEngaged, err)
	}

	outcome := IdleTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.updates:
		outcome = IdleActivity
	case <-timer.C:
	}

	if err := idleCmd.Close(); err != nil {
		return outcome, err
	}
	if err := idleCmd.Wait(); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (s *imapSession) Close() error {
	return s.client.Close()
}
