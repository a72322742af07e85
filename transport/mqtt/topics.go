package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bftkit/statetransfer/selector"
)

type Topics struct {
	prefix string
}

func NewTopics(prefix string) *Topics {
	return &Topics{prefix: strings.TrimSuffix(prefix, "/")}
}

func (t *Topics) Inbox(id selector.ReplicaID) string {
	return fmt.Sprintf("%s/replica/%d/inbox", t.prefix, id)
}

func (t *Topics) Status(id selector.ReplicaID) string {
	return fmt.Sprintf("%s/replica/%d/status", t.prefix, id)
}

func (t *Topics) StatusSubscription() string {
	return fmt.Sprintf("%s/replica/+/status", t.prefix)
}

// ParseReplicaTopic returns the replica id and the last topic element
// ("inbox" or "status")
func (t *Topics) ParseReplicaTopic(topic string) (selector.ReplicaID, string, error) {
	// /devel/bcst/replica/3/inbox
	rest, ok := strings.CutPrefix(topic, t.prefix+"/")
	if !ok {
		return selector.NoReplica, "", fmt.Errorf("topic %q outside prefix %q", topic, t.prefix)
	}
	p := strings.Split(rest, "/")
	if len(p) != 3 || p[0] != "replica" {
		return selector.NoReplica, "", fmt.Errorf("could not parse replica topic: %q", topic)
	}
	id, err := parseReplicaID(p[1])
	if err != nil {
		return selector.NoReplica, "", fmt.Errorf("topic %q: %w", topic, err)
	}
	return id, p[2], nil
}

func parseReplicaID(s string) (selector.ReplicaID, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return selector.NoReplica, err
	}
	id := selector.ReplicaID(n)
	if id == selector.NoReplica {
		return selector.NoReplica, fmt.Errorf("reserved replica id %d", n)
	}
	return id, nil
}
