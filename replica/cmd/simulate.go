package cmd

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"go.ntppool.org/common/logger"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/bftkit/statetransfer/config"
	"github.com/bftkit/statetransfer/fetcher"
	"github.com/bftkit/statetransfer/provenance"
	"github.com/bftkit/statetransfer/replica"
	"github.com/bftkit/statetransfer/selector"
	"github.com/bftkit/statetransfer/transport"
)

type simulateCmd struct {
	Replicas  int           `default:"4" help:"cluster size; replica 0 is the one catching up"`
	Blocks    uint64        `default:"200" help:"blocks to transfer"`
	BlockSize int           `default:"1024" help:"bytes per block"`
	ChunkSize int           `default:"256" help:"bytes per ItemData chunk"`
	Sessions  int           `default:"2" help:"split the transfer into this many sessions"`
	Slow      []uint16      `help:"replicas whose replies are delayed"`
	SlowDelay time.Duration `default:"300ms" help:"delay for slow replicas"`
	Byzantine []uint16      `help:"replicas that serve corrupted blocks"`
	Tuning    string        `help:"tuning JSON override"`
	Timeout   time.Duration `default:"2m" help:"give up after this long"`

	out io.Writer
}

// simBlock is deterministic so every honest replica serves the same data
func simBlock(id uint64, size int) []byte {
	r := rand.New(rand.NewPCG(id, 0x62637374))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(r.Uint32())
	}
	return data
}

func (cmd *simulateCmd) validate() error {
	if cmd.Replicas < 2 {
		return fmt.Errorf("need at least 2 replicas, got %d", cmd.Replicas)
	}
	if cmd.BlockSize < 1 || cmd.ChunkSize < 1 {
		return fmt.Errorf("block and chunk size must be positive")
	}
	if cmd.Blocks == 0 || cmd.Sessions < 1 || uint64(cmd.Sessions) > cmd.Blocks {
		return fmt.Errorf("invalid blocks/sessions: %d/%d", cmd.Blocks, cmd.Sessions)
	}
	honest := 0
	for id := 1; id < cmd.Replicas; id++ {
		if !slices.Contains(cmd.Byzantine, uint16(id)) {
			honest++
		}
	}
	if honest == 0 {
		return fmt.Errorf("no honest replica to fetch from")
	}
	return nil
}

func (cmd *simulateCmd) Run(ctx context.Context) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	log := logger.FromContext(ctx)

	ctx, cancel := context.WithTimeout(ctx, cmd.Timeout)
	defer cancel()

	ids := make([]selector.ReplicaID, cmd.Replicas)
	for i := range ids {
		ids[i] = selector.ReplicaID(i)
	}

	net := transport.NewLoopbackNetwork(log)
	for _, id := range cmd.Slow {
		net.SetDelay(selector.ReplicaID(id), cmd.SlowDelay)
	}

	validator := fetcher.NewDigestValidator()
	for b := range cmd.Blocks {
		validator.Expect(b, simBlock(b, cmd.BlockSize))
	}

	keys := map[selector.ReplicaID]ed25519.PrivateKey{}
	pub := map[selector.ReplicaID]ed25519.PublicKey{}
	for _, id := range ids {
		p, k, err := ed25519.GenerateKey(nil)
		if err != nil {
			return err
		}
		keys[id], pub[id] = k, p
	}

	store := provenance.NewMemoryStore(0)
	var nodes []*replica.Node
	for _, id := range ids {
		tuning, err := cmd.tuning(ids, id)
		if err != nil {
			return err
		}

		blocks := fetcher.NewMemoryBlocks()
		if id != 0 {
			for b := range cmd.Blocks {
				if err := blocks.PutBlock(ctx, b, simBlock(b, cmd.BlockSize)); err != nil {
					return err
				}
			}
		}

		ropts := []fetcher.ResponderOption{fetcher.WithChunkSize(cmd.ChunkSize)}
		if slices.Contains(cmd.Byzantine, uint16(id)) {
			ropts = append(ropts, fetcher.WithTamper(func(_ uint64, data []byte) []byte {
				bad := slices.Clone(data)
				bad[len(bad)/2] ^= 0xff
				return bad
			}))
		}

		n, err := replica.NewNode(replica.Config{
			Tuning:           tuning,
			Primary:          id == 1,
			ResponderOptions: ropts,
		}, replica.Deps{
			Comm:      net.Endpoint(id),
			Blocks:    blocks,
			Validator: validator,
			Store:     store,
			Key:       keys[id],
			PeerKeys:  pub,
		}, log)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}

	runCtx, stop := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)
	for _, n := range nodes {
		g.Go(func() error { return n.Run(runCtx) })
	}

	started := time.Now()
	var sessions []provenance.Session
	per := cmd.Blocks / uint64(cmd.Sessions)
	for i := range uint64(cmd.Sessions) {
		r := fetcher.Range{First: i * per, Last: (i+1)*per - 1}
		if i == uint64(cmd.Sessions)-1 {
			r.Last = cmd.Blocks - 1
		}
		// load on the primary feeds the adaptive pruning rate
		nodes[1].Resources().AddTransactions(r.Len() * 10)

		sess, err := nodes[0].Fetcher().Sync(ctx, r, nil)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("session %d: %w", i, err)
		}
		sessions = append(sessions, sess)
	}
	elapsed := time.Since(started)

	schedule := nodes[0].PruneSchedule()

	stop()
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.out
	if out == nil {
		out = os.Stdout
	}
	cmd.report(out, sessions, elapsed, schedule)
	return nil
}

func (cmd *simulateCmd) tuning(ids []selector.ReplicaID, self selector.ReplicaID) (*config.Tuning, error) {
	defaults, err := config.LoadTuning(config.DefaultTuning, fmt.Appendf(nil, `{
		"retransmission_timeout_ms": 500,
		"source_replacement_timeout_ms": 5000,
		"tick_interval_ms": 20,
		"adaptive_pruning": true,
		"pruning_interval_ms": 200,
		"replicas": %s,
		"self_id": %d
	}`, jsonIDs(ids), self))
	if err != nil {
		return nil, err
	}
	if cmd.Tuning == "" {
		return defaults, nil
	}
	base, err := json.Marshal(defaults)
	if err != nil {
		return nil, err
	}
	t, err := config.LoadTuning(base, []byte(cmd.Tuning))
	if err != nil {
		return nil, err
	}
	// the cluster layout is fixed by --replicas
	t.Replicas, t.SelfID = ids, self
	return t, nil
}

func (cmd *simulateCmd) report(w io.Writer, sessions []provenance.Session, elapsed time.Duration, schedule *replica.PruneSchedule) {
	fmt.Fprint(w, heredoc.Docf(`
		State transfer simulation
		  replicas:   %d (replica 0 catching up)
		  blocks:     %d x %d bytes
		  slow:       %s
		  byzantine:  %s
		  elapsed:    %s

		Sessions (provenance log):
		`,
		cmd.Replicas,
		cmd.Blocks, cmd.BlockSize,
		formatIDs(cmd.Slow),
		formatIDs(cmd.Byzantine),
		elapsed.Round(time.Millisecond),
	))
	for _, s := range sessions {
		fmt.Fprintf(w, "  %s  blocks %d..%d  %8s  sources [%s]\n",
			s.ID, s.FirstBlock, s.LastBlock,
			s.Duration().Round(time.Millisecond),
			formatReplicas(s.Sources))
	}
	if schedule != nil {
		fmt.Fprintf(w, "\nPrune rate from replica %s: %d blocks every %ds\n",
			schedule.Sender, schedule.BatchBlocksNum, schedule.TickPeriodSeconds)
	}
}

func formatIDs(ids []uint16) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}

func formatReplicas(ids []selector.ReplicaID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}

func jsonIDs(ids []selector.ReplicaID) string {
	return "[" + formatReplicas(ids) + "]"
}
