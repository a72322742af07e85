package mqtt

import (
	"encoding/json"
	"time"

	"go.ntppool.org/common/version"

	"github.com/bftkit/statetransfer/selector"
)

// StatusMessage is published retained on the replica's status topic;
// the offline variant doubles as the will message
type StatusMessage struct {
	Replica   selector.ReplicaID
	Online    bool
	Version   version.Info
	UpdatedMQ time.Time
}

func StatusMessageJSON(id selector.ReplicaID, online bool) ([]byte, error) {
	sm := &StatusMessage{
		Replica:   id,
		Online:    online,
		Version:   version.VersionInfo(),
		UpdatedMQ: time.Now().Truncate(time.Second),
	}
	return json.Marshal(sm)
}

func parseStatusMessage(payload []byte) (*StatusMessage, error) {
	sm := &StatusMessage{}
	if err := json.Unmarshal(payload, sm); err != nil {
		return nil, err
	}
	return sm, nil
}
