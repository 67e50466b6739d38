package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/agentuity/go-imaging/cache"
	"github.com/agentuity/go-imaging/config"
	"github.com/agentuity/go-imaging/eventing"
	"github.com/agentuity/go-imaging/logger"
	"github.com/agentuity/go-imaging/lut"
	"github.com/agentuity/go-imaging/tui"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/api/resource"
)

// frame is a synthetic decoded image. Evicting it drops its display table.
type frame struct {
	*lut.Image
	size int64
}

func (f *frame) SizeInBytes() int64 { return f.size }

func newSimulateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Load synthetic images through the cache and report notifications",
		Example: "  imaging simulate --images 11 --size 100 --budget 1000\n" +
			"  imaging simulate --config imaging.yaml --redis-url redis://localhost:6379",
		Args: cobra.NoArgs,
		RunE: runSimulate,
	}
	flags := cmd.Flags()
	flags.Int("images", 20, "number of images to load")
	flags.String("size", "64Mi", "size of each image as a quantity")
	flags.String("budget", "", "cache budget as a quantity; overrides the config")
	flags.String("config", "", "path to a YAML config file")
	flags.String("redis-url", "", "forward notifications to this Redis server; overrides the config")
	flags.Int("concurrency", 4, "number of concurrent loads")
	flags.Int("fail-every", 0, "reject every n-th load (0 disables)")
	return cmd
}

type simulateOptions struct {
	images      int
	size        int64
	concurrency int
	failEvery   int
}

type simulateResult struct {
	info     cache.Info
	keys     []string
	removed  []cache.PromiseRemovedEvent
	full     int
	failures int
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if budget, _ := cmd.Flags().GetString("budget"); budget != "" {
		cfg.Cache.MaximumSize = budget
	}
	if redisURL, _ := cmd.Flags().GetString("redis-url"); redisURL != "" {
		cfg.Events.RedisURL = redisURL
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.NewConsoleLogger(cfg.LogLevel())

	flags := cmd.Flags()
	var opts simulateOptions
	opts.images, _ = flags.GetInt("images")
	opts.concurrency, _ = flags.GetInt("concurrency")
	opts.failEvery, _ = flags.GetInt("fail-every")
	sizeFlag, _ := flags.GetString("size")
	size, err := resource.ParseQuantity(sizeFlag)
	if err != nil {
		return errors.Wrapf(err, "invalid --size %q", sizeFlag)
	}
	opts.size = size.Value()
	if opts.images < 0 || opts.size < 0 || opts.concurrency < 1 || opts.failEvery < 0 {
		return errors.New("--images, --size and --fail-every must not be negative and --concurrency must be at least 1")
	}

	events := eventing.NewMemoryClient(log)
	defer events.Close()

	if cfg.Events.RedisURL != "" {
		forwarder, closeRedis, err := forwardToRedis(ctx, log, cfg, events)
		if err != nil {
			return err
		}
		defer closeRedis()
		defer forwarder.Close()
	}

	registry := prometheus.NewRegistry()
	c, err := cache.New(ctx,
		cache.WithMaximumSizeBytes(cfg.MaximumSizeBytes()),
		cache.WithLogger(log),
		cache.WithEvents(events),
		cache.WithRegisterer(registry),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	var result *simulateResult
	if err := tui.ShowSpinner(ctx, fmt.Sprintf("Loading %d images", opts.images), func() error {
		var err error
		result, err = simulate(ctx, log, c, opts)
		return err
	}); err != nil {
		return err
	}

	families, err := registry.Gather()
	if err != nil {
		return errors.Wrap(err, "gathering metrics")
	}
	printSimulation(cmd.OutOrStdout(), result, families)
	return nil
}

func forwardToRedis(ctx context.Context, log logger.Logger, cfg *config.Config, events eventing.Client) (eventing.Subscriber, func(), error) {
	redisOpts, err := redis.ParseURL(cfg.Events.RedisURL)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "invalid redis url %q", cfg.Events.RedisURL)
	}
	rdb := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, errors.Wrapf(err, "connecting to redis at %s", cfg.Events.RedisURL)
	}
	remote, err := eventing.NewRedisClient(ctx, log, rdb)
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	guarded := eventing.NewBreakerPublisher(remote, eventing.DefaultBreakerConfig())
	forwarder, err := eventing.Forward(ctx, log, events, guarded, cfg.Events.Prefix, cache.SubjectPromiseRemoved, cache.SubjectCacheFull)
	if err != nil {
		remote.Close()
		rdb.Close()
		return nil, nil, err
	}
	log.Info("forwarding cache notifications to %s under %s.*", cfg.Events.RedisURL, cfg.Events.Prefix)
	return forwarder, func() {
		remote.Close()
		rdb.Close()
	}, nil
}

// simulate puts opts.images promises into c in key order and settles them
// from at most opts.concurrency goroutines.
func simulate(ctx context.Context, log logger.Logger, c *cache.ImageCache, opts simulateOptions) (*simulateResult, error) {
	result := &simulateResult{}
	var full atomic.Int32
	removedCh := make(chan cache.PromiseRemovedEvent, opts.images)

	removedSub, err := c.OnPromiseRemoved(ctx, func(ctx context.Context, ev cache.PromiseRemovedEvent) {
		log.Debug("promise removed: %s (%s)", ev.Key, ev.Reason)
		select {
		case removedCh <- ev:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer removedSub.Close()
	fullSub, err := c.OnCacheFull(ctx, func(ctx context.Context, info cache.Info) {
		log.Debug("cache full: %d entries, %d of %d bytes", info.NumberOfEntries, info.CacheSizeInBytes, info.MaximumSizeInBytes)
		full.Add(1)
	})
	if err != nil {
		return nil, err
	}
	defer fullSub.Close()

	promises := make([]*cache.Promise, opts.images)
	for i := range promises {
		promises[i] = cache.NewPromise()
		if err := c.PutImagePromise(imageKey(i), promises[i]); err != nil {
			return nil, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i, p := range promises {
		g.Go(func() error {
			if opts.failEvery > 0 && (i+1)%opts.failEvery == 0 {
				p.Reject(errors.Newf("synthetic decode failure for %s", imageKey(i)))
				return nil
			}
			f, err := decode(gctx, opts.size)
			if err != nil {
				p.Reject(err)
				return err
			}
			p.Resolve(f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	removedSub.Close()
	close(removedCh)
	for ev := range removedCh {
		result.removed = append(result.removed, ev)
		if ev.Reason == cache.ReasonFailed {
			result.failures++
		}
	}
	result.full = int(full.Load())
	result.info = c.GetCacheInfo()
	result.keys = c.Keys()
	return result, nil
}

func imageKey(i int) string {
	return "imageId-" + strconv.Itoa(i)
}

// decode builds a synthetic 12-bit CT frame and renders its default display table.
func decode(ctx context.Context, size int64) (*frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := &lut.Image{
		MinPixelValue: 0,
		MaxPixelValue: 4095,
		Slope:         1,
		Intercept:     -1024,
		WindowWidth:   400,
		WindowCenter:  40,
	}
	vp, err := lut.DefaultViewport(img)
	if err != nil {
		return nil, err
	}
	if _, err := lut.GenerateForViewport(img, vp); err != nil {
		return nil, err
	}
	return &frame{Image: img, size: size}, nil
}

func printSimulation(w io.Writer, result *simulateResult, families []*dto.MetricFamily) {
	info := result.info
	fmt.Fprintln(w, tui.Title("Cache"))
	tui.Table(w, []string{"entries", "size", "budget", "evicted", "failed", "cache full"}, [][]string{{
		strconv.Itoa(info.NumberOfEntries),
		humanize.IBytes(uint64(info.CacheSizeInBytes)),
		humanize.IBytes(uint64(info.MaximumSizeInBytes)),
		strconv.Itoa(len(result.removed) - result.failures),
		strconv.Itoa(result.failures),
		strconv.Itoa(result.full),
	}})

	if len(result.removed) > 0 {
		fmt.Fprintln(w, tui.Title("Removed"))
		rows := make([][]string, 0, len(result.removed))
		for _, ev := range result.removed {
			rows = append(rows, []string{ev.Key, ev.Reason})
		}
		tui.Table(w, []string{"key", "reason"}, rows)
	}

	fmt.Fprintln(w, tui.Title("Metrics"))
	tui.Table(w, []string{"metric", "value"}, metricRows(families))

	if len(result.keys) > 0 {
		fmt.Fprintln(w, tui.Muted(fmt.Sprintf("cached: %s ... %s", result.keys[0], result.keys[len(result.keys)-1])))
	}
	if info.CacheSizeInBytes > info.MaximumSizeInBytes {
		tui.ShowWarning(w, "cache is over budget")
	} else {
		tui.ShowSuccess(w, "cache within budget")
	}
}

func metricRows(families []*dto.MetricFamily) [][]string {
	rows := make([][]string, 0, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var value float64
			switch {
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			default:
				continue
			}
			rows = append(rows, []string{mf.GetName(), strconv.FormatFloat(value, 'f', -1, 64)})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	return rows
}
