package elector

import (
	"github.com/ccassar/elector/coord"
	"github.com/pkg/errors"
	"sort"
)

// Everything in this file runs on the queue goroutine.

func (e *Elector) engineKV() []interface{} {
	return append(e.logKV(),
		"joined", e.joined,
		"clientGeneration", e.generation,
		"lastObservedLeader", e.lastObservedLeader)
}

// post queues follow up work. Posting fails only once the queue shut down, in which case there is nothing to do.
func (e *Elector) post(ev event) {
	if err := e.queue.post(ev); err != nil {
		e.logger.Debugw("follow up dropped", append(e.engineKV(), ev.logKV()...)...)
	}
}

func (e *Elector) setCandidatePath(path string) {
	e.candidatePath = path
	e.candidatePathRO.Store(path)
}

// refresh brings the elector in line with the session state and the membership requested by the application.
func (e *Elector) refresh() {

	state := e.client.State()
	e.metrics.refresh(state.String())
	e.logger.Debugw("refresh", append(e.engineKV(), "session", state.String())...)

	switch state {
	case coord.StateConnected:
		if e.joined {
			e.enterElection()
		} else {
			e.exitElection()
		}

	case coord.StateExpired:
		// Our candidate node went with the session.
		e.revokeLeadership("session expired")
		e.setCandidatePath("")
		e.resetClient()

	default:
		// Until we hear back from the store we cannot tell whether we still lead. The candidate node survives if the
		// session does, so we hang on to it.
		e.revokeLeadership("session " + state.String())
	}
}

// enterElection makes sure our candidate node is in place, then evaluates the election. Failures abandon the
// attempt; the next notification (reconnect, watch firing) brings us back here.
func (e *Elector) enterElection() {

	electionPath := e.config.ElectionPath

	if err := e.client.EnsurePath(electionPath); err != nil {
		e.requestFailed("ensurePath", err)
		return
	}

	if e.candidatePath != "" {
		exists, err := e.client.Exists(e.candidatePath, false)
		if err != nil {
			e.requestFailed("exists", err)
			return
		}
		if !exists {
			e.logger.Infow("candidate node vanished, entering election afresh", e.engineKV()...)
			e.revokeLeadership("candidate node vanished")
			e.setCandidatePath("")
		}
	}

	if e.candidatePath == "" {
		// TODO: a create whose response is lost with the connection leaves an orphan node owned by our session;
		// create with a protected (uuid tagged) prefix and look for it before creating again.
		path, err := e.client.Create(
			coord.Join(electionPath, e.config.NodePrefix),
			e.config.CandidateValue,
			coord.FlagEphemeral|coord.FlagSequential)
		if err != nil {
			e.requestFailed("create", err)
			return
		}
		e.setCandidatePath(path)
		e.logger.Infow("entered election", e.engineKV()...)
	}

	e.post(&electionChangedEvent{elector: e})
}

// exitElection removes our candidate node. Leadership is dropped before the node is deleted.
func (e *Elector) exitElection() {

	if e.candidatePath == "" {
		if e.isLeader.Load() {
			e.signalFatalError(electorErrorf(ElectorErrorMustFailed, "leader without a candidate node"))
		}
		return
	}

	e.revokeLeadership("leaving election")

	err := e.client.DeleteIfExists(e.candidatePath)
	if err != nil {
		e.requestFailed("delete", err)
		// A new session is the one sure way to see the back of the node.
		e.resetClient()
	}

	e.logger.Infow("left election", e.engineKV()...)
	e.setCandidatePath("")
	e.lastObservedLeader = ""
}

// onElectionChanged reads the candidates (rearming the children watch in the same request) and works out who leads;
// the candidate with the lowest sequence number.
func (e *Elector) onElectionChanged() {

	if !e.joined || e.candidatePath == "" {
		return
	}
	defer e.electionsChecked.Inc()

	candidates, err := e.client.Children(e.config.ElectionPath, true)
	if err != nil {
		e.requestFailed("children", err)
		return
	}
	sort.Strings(candidates)

	own := coord.Base(e.candidatePath)
	found := false
	for _, c := range candidates {
		if c == own {
			found = true
			break
		}
	}

	if !found {
		e.logger.Infow("candidate node missing from election, entering afresh",
			append(e.engineKV(), "candidates", len(candidates))...)
		e.revokeLeadership("candidate node missing")
		e.setCandidatePath("")
		e.post(&refreshEvent{elector: e, reason: "candidate node missing"})
		return
	}

	leader := coord.Join(e.config.ElectionPath, candidates[0])

	if leader == e.candidatePath {
		e.takeLeadership()
		return
	}

	if e.isLeader.Load() {
		e.signalFatalError(electorErrorf(ElectorErrorLeadershipDisplaced,
			"candidate %s leads while leadership is held by %s", leader, e.candidatePath))
		return
	}

	e.leadershipChanged(leader)
}

func (e *Elector) takeLeadership() {

	if e.isLeader.Load() {
		return
	}

	e.isLeader.Store(true)
	e.lastObservedLeader = e.candidatePath
	e.metrics.leader(true)
	e.metrics.transition(transitionTake)
	e.logger.Infow("taking leadership", e.engineKV()...)

	e.handler.TakeLeadership()
}

func (e *Elector) revokeLeadership(reason string) {

	if !e.isLeader.Load() {
		return
	}

	e.isLeader.Store(false)
	e.lastObservedLeader = ""
	e.metrics.leader(false)
	e.metrics.transition(transitionRevoke)
	e.logger.Infow("revoking leadership", append(e.engineKV(), "reason", reason)...)

	e.handler.RevokeLeadership()
}

// leadershipChanged reports the leader to a follower, once per change of leader.
func (e *Elector) leadershipChanged(leader string) {

	if leader == e.lastObservedLeader {
		return
	}

	e.lastObservedLeader = leader
	e.metrics.transition(transitionChanged)
	e.logger.Infow("leadership changed", e.engineKV()...)

	e.handler.LeadershipChanged(leader)
}

// resetClient discards the client, and replaces it with a new one bound to a new session. Notifications still in
// flight from the old client are ignored from here on. Failing to create a new client is fatal.
func (e *Elector) resetClient() {

	e.metrics.clientReset()
	e.client.Close()
	e.generation++

	client, err := e.newClient()
	if err != nil {
		// The closed client stays in place; it fails every request until we are shut down.
		e.signalFatalError(err)
		return
	}

	e.client = client
	e.logger.Infow("coordination client replaced", e.engineKV()...)
}

func (e *Elector) requestFailed(op string, err error) {

	e.metrics.failure(op)

	switch errors.Cause(err) {
	case coord.ErrConnectionLoss, coord.ErrSessionExpired, coord.ErrClosed:
		// Expected while the session is in trouble; session notifications will take it from here.
		e.logger.Infow("coordination request failed, abandoned until next event",
			append(e.engineKV(), "op", op, electorErrKeyword, err)...)
	default:
		e.logger.Errorw("coordination request failed, abandoned until next event",
			append(e.engineKV(), "op", op, electorErrKeyword, err)...)
	}
}

// shutdown is the last thing to run on the queue goroutine.
func (e *Elector) shutdown() {

	e.revokeLeadership("shutting down")
	e.client.Close()
	e.setCandidatePath("")

	e.logger.Infow("elector shut down", e.engineKV()...)
}
