package evpn_test

import (
	"net/netip"
	"testing"

	"github.com/dantte-lp/evpnd/internal/evpn"
)

var (
	vtepA = netip.MustParseAddr("192.0.2.10")
	vtepB = netip.MustParseAddr("192.0.2.20")
	vtepC = netip.MustParseAddr("192.0.2.30")
)

func localClaim(port string) evpn.Claim {
	return evpn.Claim{Origin: evpn.OriginLocal, Location: evpn.LocalPort(port, 0)}
}

func remoteClaim(vtep netip.Addr, seq uint32) evpn.Claim {
	return evpn.Claim{Origin: evpn.OriginRemote, Location: evpn.RemoteVTEP(vtep), Seq: seq}
}

func localEntry(port string, seq uint32) *evpn.Binding {
	return &evpn.Binding{Kind: evpn.KindMAC, State: evpn.StateLocal, Location: evpn.LocalPort(port, 0), Seq: seq}
}

func remoteEntry(vtep netip.Addr, seq uint32) *evpn.Binding {
	return &evpn.Binding{Kind: evpn.KindMAC, State: evpn.StateRemote, Location: evpn.RemoteVTEP(vtep), Seq: seq}
}

// -------------------------------------------------------------------------
// TestDecide
// -------------------------------------------------------------------------

func TestDecide(t *testing.T) {
	t.Parallel()

	stickyRemote := remoteEntry(vtepA, 3)
	stickyRemote.Sticky = true
	stickyLocal := localEntry("swp1", 3)
	stickyLocal.Sticky = true
	stickyClaim := remoteClaim(vtepB, 1)
	stickyClaim.Sticky = true

	tests := []struct {
		name        string
		cur         *evpn.Binding
		claim       evpn.Claim
		wantVerdict evpn.Verdict
		wantState   evpn.State
		wantSeq     uint32
		wantMove    bool
	}{
		{
			name:        "absent local learn",
			claim:       localClaim("swp1"),
			wantVerdict: evpn.VerdictAccept,
			wantState:   evpn.StateLocal,
		},
		{
			name:        "absent remote route",
			claim:       remoteClaim(vtepA, 7),
			wantVerdict: evpn.VerdictAccept,
			wantState:   evpn.StateRemote,
			wantSeq:     7,
		},
		{
			name:        "local refresh same port",
			cur:         localEntry("swp1", 4),
			claim:       localClaim("swp1"),
			wantVerdict: evpn.VerdictRefresh,
			wantState:   evpn.StateLocal,
			wantSeq:     4,
		},
		{
			name:        "local port move keeps seq",
			cur:         localEntry("swp1", 4),
			claim:       localClaim("swp2"),
			wantVerdict: evpn.VerdictAccept,
			wantState:   evpn.StateLocal,
			wantSeq:     4,
		},
		{
			name:        "local over remote bumps seq",
			cur:         remoteEntry(vtepA, 5),
			claim:       localClaim("swp1"),
			wantVerdict: evpn.VerdictAccept,
			wantState:   evpn.StateLocal,
			wantSeq:     6,
			wantMove:    true,
		},
		{
			name:        "local over sticky remote rejected",
			cur:         stickyRemote,
			claim:       localClaim("swp1"),
			wantVerdict: evpn.VerdictReject,
			wantState:   evpn.StateRemote,
			wantSeq:     3,
			wantMove:    true,
		},
		{
			name:        "remote higher seq wins over local",
			cur:         localEntry("swp1", 2),
			claim:       remoteClaim(vtepA, 3),
			wantVerdict: evpn.VerdictAccept,
			wantState:   evpn.StateRemote,
			wantSeq:     3,
			wantMove:    true,
		},
		{
			name:        "remote equal seq loses to local",
			cur:         localEntry("swp1", 2),
			claim:       remoteClaim(vtepA, 2),
			wantVerdict: evpn.VerdictReject,
			wantState:   evpn.StateLocal,
			wantSeq:     2,
			wantMove:    true,
		},
		{
			name:        "remote cannot move sticky local",
			cur:         stickyLocal,
			claim:       remoteClaim(vtepA, 9),
			wantVerdict: evpn.VerdictReject,
			wantState:   evpn.StateLocal,
			wantSeq:     3,
			wantMove:    true,
		},
		{
			name:        "remote refresh from holder",
			cur:         remoteEntry(vtepA, 3),
			claim:       remoteClaim(vtepA, 4),
			wantVerdict: evpn.VerdictRefresh,
			wantState:   evpn.StateRemote,
			wantSeq:     4,
		},
		{
			name:        "remote higher seq moves",
			cur:         remoteEntry(vtepA, 3),
			claim:       remoteClaim(vtepB, 4),
			wantVerdict: evpn.VerdictAccept,
			wantState:   evpn.StateRemote,
			wantSeq:     4,
			wantMove:    true,
		},
		{
			name:        "remote lower seq rejected",
			cur:         remoteEntry(vtepB, 4),
			claim:       remoteClaim(vtepA, 3),
			wantVerdict: evpn.VerdictReject,
			wantState:   evpn.StateRemote,
			wantSeq:     4,
			wantMove:    true,
		},
		{
			name:        "remote equal seq lower vtep wins",
			cur:         remoteEntry(vtepB, 4),
			claim:       remoteClaim(vtepA, 4),
			wantVerdict: evpn.VerdictAccept,
			wantState:   evpn.StateRemote,
			wantSeq:     4,
			wantMove:    true,
		},
		{
			name:        "remote equal seq higher vtep loses",
			cur:         remoteEntry(vtepA, 4),
			claim:       remoteClaim(vtepB, 4),
			wantVerdict: evpn.VerdictReject,
			wantState:   evpn.StateRemote,
			wantSeq:     4,
			wantMove:    true,
		},
		{
			name:        "sticky remote claim beats higher seq",
			cur:         remoteEntry(vtepA, 8),
			claim:       stickyClaim,
			wantVerdict: evpn.VerdictAccept,
			wantState:   evpn.StateRemote,
			wantSeq:     1,
			wantMove:    true,
		},
		{
			name:        "inactive reactivated locally keeps seq",
			cur:         &evpn.Binding{State: evpn.StateInactive, Seq: 6},
			claim:       localClaim("swp1"),
			wantVerdict: evpn.VerdictAccept,
			wantState:   evpn.StateLocal,
			wantSeq:     6,
		},
		{
			name:        "inactive reactivated remotely",
			cur:         &evpn.Binding{State: evpn.StateInactive, Seq: 6},
			claim:       remoteClaim(vtepC, 2),
			wantVerdict: evpn.VerdictAccept,
			wantState:   evpn.StateRemote,
			wantSeq:     2,
		},
		{
			name:        "duplicate defers",
			cur:         &evpn.Binding{State: evpn.StateDuplicate, Seq: 6},
			claim:       remoteClaim(vtepC, 99),
			wantVerdict: evpn.VerdictDefer,
			wantState:   evpn.StateDuplicate,
			wantSeq:     6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := evpn.Decide(tt.cur, tt.claim)
			if d.Verdict != tt.wantVerdict {
				t.Errorf("verdict = %s, want %s", d.Verdict, tt.wantVerdict)
			}
			if d.State != tt.wantState {
				t.Errorf("state = %s, want %s", d.State, tt.wantState)
			}
			if d.Seq != tt.wantSeq {
				t.Errorf("seq = %d, want %d", d.Seq, tt.wantSeq)
			}
			if d.Move != tt.wantMove {
				t.Errorf("move = %v, want %v", d.Move, tt.wantMove)
			}
		})
	}
}

// TestDecideOrderIndependent verifies that two competing remote claims
// converge on the same winner whichever arrives first.
func TestDecideOrderIndependent(t *testing.T) {
	t.Parallel()

	pairs := []struct {
		name   string
		a, b   evpn.Claim
		winner netip.Addr
	}{
		{"higher seq", remoteClaim(vtepA, 5), remoteClaim(vtepB, 3), vtepA},
		{"equal seq", remoteClaim(vtepC, 4), remoteClaim(vtepB, 4), vtepB},
	}

	apply := func(cur *evpn.Binding, c evpn.Claim) *evpn.Binding {
		d := evpn.Decide(cur, c)
		if d.Verdict != evpn.VerdictAccept && d.Verdict != evpn.VerdictRefresh {
			return cur
		}
		return &evpn.Binding{State: d.State, Location: c.Location, Seq: d.Seq, Sticky: c.Sticky}
	}

	for _, p := range pairs {
		t.Run(p.name, func(t *testing.T) {
			t.Parallel()

			ab := apply(apply(nil, p.a), p.b)
			ba := apply(apply(nil, p.b), p.a)
			if ab.Location.VTEP != p.winner {
				t.Errorf("a then b: winner %s, want %s", ab.Location.VTEP, p.winner)
			}
			if ba.Location.VTEP != p.winner {
				t.Errorf("b then a: winner %s, want %s", ba.Location.VTEP, p.winner)
			}
		})
	}
}
