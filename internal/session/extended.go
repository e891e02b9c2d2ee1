package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgproto3/v2"

	"github.com/verifiable-rds/interceptor/internal/analyzer"
)

// handleParse implements the Parse step of the extended query protocol
// (spec.md §4.B: "the classifier runs at Parse time; the rewritten text
// is what the backend receives; portals remember their binding").
func (s *Session) handleParse(ctx context.Context, m *pgproto3.Parse) error {
	cs := s.classify(ctx, m.Query)
	stmt := &PreparedStatement{
		OriginalSQL: m.Query,
		ParamOIDs:   m.ParameterOIDs,
		Classified:  cs,
	}
	if cs.Verdict.Kind == analyzer.Unsafe {
		// Not stored: a later Bind/Describe naming it reports that the
		// prepared statement does not exist. The rejection is reported
		// immediately rather than deferred to the next Sync.
		return s.sendError("0A000", "statement rejected as non-deterministic: "+cs.Verdict.Reason)
	}
	stmt.RewrittenSQL = s.rewritten(cs)
	s.mu.Lock()
	s.preparedStatements[m.Name] = stmt
	s.mu.Unlock()
	return s.writeMessage(&pgproto3.ParseComplete{})
}

func (s *Session) handleBind(m *pgproto3.Bind) error {
	s.mu.Lock()
	stmt, ok := s.preparedStatements[m.PreparedStatement]
	s.mu.Unlock()
	if !ok {
		return s.sendError("26000", fmt.Sprintf("prepared statement %q does not exist", m.PreparedStatement))
	}
	portal := &Portal{
		Statement:     stmt,
		Params:        m.Parameters,
		ResultFormats: m.ResultFormatCodes,
	}
	s.mu.Lock()
	s.portals[m.DestinationPortal] = portal
	s.mu.Unlock()
	return s.writeMessage(&pgproto3.BindComplete{})
}

func (s *Session) handleDescribe(ctx context.Context, m *pgproto3.Describe) error {
	// A full implementation resolves RowDescription from the backend's
	// ParameterDescription/RowDescription for the target statement or
	// portal; that requires a round trip through the Backend Link which
	// this proxy defers to Execute time, so Describe here only confirms
	// the name exists (spec.md does not mandate eager description).
	s.mu.Lock()
	defer s.mu.Unlock()
	switch m.ObjectType {
	case 'S':
		if _, ok := s.preparedStatements[m.Name]; !ok {
			return s.sendError("26000", fmt.Sprintf("prepared statement %q does not exist", m.Name))
		}
	case 'P':
		if _, ok := s.portals[m.Name]; !ok {
			return s.sendError("34000", fmt.Sprintf("portal %q does not exist", m.Name))
		}
	}
	return s.writeMessage(&pgproto3.NoData{})
}

func (s *Session) handleExecute(ctx context.Context, m *pgproto3.Execute) error {
	s.mu.Lock()
	portal, ok := s.portals[m.Portal]
	s.mu.Unlock()
	if !ok {
		return s.sendError("34000", fmt.Sprintf("portal %q does not exist", m.Portal))
	}
	return s.executePrepared(ctx, portal.Statement.Classified, portal.Statement.RewrittenSQL)
}

func (s *Session) handleClose(m *pgproto3.Close) error {
	s.mu.Lock()
	switch m.ObjectType {
	case 'S':
		delete(s.preparedStatements, m.Name)
	case 'P':
		delete(s.portals, m.Name)
	}
	s.mu.Unlock()
	return s.writeMessage(&pgproto3.CloseComplete{})
}
