package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roasbeef/agentmesh/internal/agent"
	"github.com/roasbeef/agentmesh/internal/envelope"
)

// DiscoveryAgentName is the well-known name of the discovery agent every
// runtime registers.
const DiscoveryAgentName = "discovery"

// TypeDiscoveryQuery is the payload discriminator for discovery queries.
const TypeDiscoveryQuery = "discovery.query"

// TypeDiscoveryReply is the payload discriminator for discovery replies.
const TypeDiscoveryReply = "discovery.reply"

// DiscoveryQuery asks a runtime which agent names it has registered,
// filtered by namespace prefix. An empty namespace matches every name.
type DiscoveryQuery struct {
	// Namespace filters names to those under "namespace." (or equal to
	// the namespace itself).
	Namespace string `json:"namespace"`

	// Detailed requests per-name registration detail instead of bare
	// names.
	Detailed bool `json:"detailed"`
}

// DiscoveryEntry is one registered name in a detailed reply.
type DiscoveryEntry struct {
	Name          string `json:"name"`
	SessionScoped bool   `json:"session_scoped"`
	Remote        bool   `json:"remote"`
}

// DiscoveryReply is the discovery agent's answer. Names reflect the
// registry at the moment the query was handled; there is no staleness
// guarantee across transports.
type DiscoveryReply struct {
	Names   []string         `json:"names"`
	Entries []DiscoveryEntry `json:"entries,omitempty"`
}

// discoverySpec builds the built-in discovery agent registration. The
// subscription is broadcast so that on broker transports every runtime
// hosting agents answers the same query; callers aggregate the replies.
func (r *Runtime) discoverySpec() Spec {
	return Spec{
		Name:      DiscoveryAgentName,
		Broadcast: true,
		New: func() agent.Agent {
			return agent.Responder(r.handleDiscovery)
		},
	}
}

// matchesNamespace reports whether name falls under the namespace prefix.
func matchesNamespace(name, namespace string) bool {
	if namespace == "" {
		return true
	}

	return name == namespace ||
		strings.HasPrefix(name, namespace+".")
}

// handleDiscovery answers one discovery query from this runtime's
// registry. The discovery agent never lists itself (nor the control
// agent, the other reserved name).
func (r *Runtime) handleDiscovery(_ context.Context,
	env *envelope.Envelope) (*envelope.Envelope, error) {

	var query DiscoveryQuery
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &query); err != nil {
			return nil, fmt.Errorf("%w: discovery query: %v",
				envelope.ErrBadEnvelope, err)
		}
	}

	var reply DiscoveryReply
	for _, reg := range r.registeredNames() {
		if !matchesNamespace(reg.spec.Name, query.Namespace) {
			continue
		}

		reply.Names = append(reply.Names, reg.spec.Name)
		if query.Detailed {
			reply.Entries = append(reply.Entries, DiscoveryEntry{
				Name:          reg.spec.Name,
				SessionScoped: reg.spec.SessionScoped,
				Remote:        reg.remote,
			})
		}
	}
	sort.Strings(reply.Names)

	payload, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}

	return envelope.New(TypeDiscoveryReply, payload), nil
}

// Discover queries the discovery agents reachable through the transport
// and returns the de-duplicated, sorted set of names under the namespace
// prefix. On broadcast-capable transports multiple runtimes answer;
// aggregation stops when the configured timeout elapses or the maximum
// reply count is reached.
func (r *Runtime) Discover(ctx context.Context,
	namespace string) ([]string, error) {

	replies, err := r.discover(ctx, DiscoveryQuery{Namespace: namespace})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var names []string
	for _, reply := range replies {
		for _, name := range reply.Names {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names, nil
}

// DiscoverDetailed is Discover with per-name registration detail,
// de-duplicated by name with the first answer winning.
func (r *Runtime) DiscoverDetailed(ctx context.Context,
	namespace string) ([]DiscoveryEntry, error) {

	replies, err := r.discover(ctx, DiscoveryQuery{
		Namespace: namespace,
		Detailed:  true,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var entries []DiscoveryEntry
	for _, reply := range replies {
		for _, entry := range reply.Entries {
			if _, dup := seen[entry.Name]; dup {
				continue
			}
			seen[entry.Name] = struct{}{}
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	return entries, nil
}

// discover broadcasts one query and aggregates the replies.
func (r *Runtime) discover(ctx context.Context,
	query DiscoveryQuery) ([]DiscoveryReply, error) {

	payload, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	replyAddr, replyCh, err := r.tr.OpenReplyChannel(ctx)
	if err != nil {
		return nil, err
	}
	defer replyCh.Close()

	env := envelope.New(TypeDiscoveryQuery, payload)
	env.Set(envelope.HeaderReplyTo, replyAddr.String())
	env.Set(envelope.HeaderTo, DiscoveryAgentName)

	dst := envelope.NewAddress(DiscoveryAgentName)
	if err := r.tr.Publish(ctx, dst, env, false); err != nil {
		return nil, err
	}

	aggCtx, cancel := context.WithTimeout(
		ctx, r.cfg.DiscoveryAggregateTimeout,
	)
	defer cancel()

	var replies []DiscoveryReply
	for len(replies) < r.cfg.DiscoveryMaxReplies {
		replyEnv, err := replyCh.Read(aggCtx)
		if err != nil {
			// Aggregation windows always end by timeout unless
			// the reply cap is hit first.
			break
		}
		if replyErr := replyEnv.Err(); replyErr != nil {
			log.WarnS(ctx, "Discovery reply carried error",
				replyErr)
			continue
		}

		var reply DiscoveryReply
		if err := json.Unmarshal(replyEnv.Payload, &reply); err != nil {
			log.WarnS(ctx, "Malformed discovery reply", err)
			continue
		}
		replies = append(replies, reply)
	}

	if len(replies) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return replies, nil
}

// Probe gives the daemon a cheap readiness check: a discovery round-trip
// proves the transport path end to end.
func (r *Runtime) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := r.Discover(probeCtx, "")

	return err
}
