package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/urfave/cli/v2"

	"github.com/segmentio/nanotube"
	"github.com/segmentio/nanotube/udp"
)

func main() {
	log.SetHandler(text.New(os.Stderr))

	if err := newApp().Run(os.Args); err != nil {
		log.WithError(err).Fatal("nanotube")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:            "nanotube",
		Usage:           "send metrics to statsd and statsite collectors",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Value:   "localhost",
				Usage:   "Host name or address of the collector",
				EnvVars: []string{"NANOTUBE_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Value:   nanotube.DefaultPort,
				Usage:   "UDP port of the collector",
				EnvVars: []string{"NANOTUBE_PORT"},
			},
			&cli.StringFlag{
				Name:    "prefix",
				Usage:   "Prefix prepended to every metric key",
				EnvVars: []string{"NANOTUBE_PREFIX"},
			},
			&cli.StringFlag{
				Name:    "format",
				Value:   nanotube.StatsD.String(),
				Usage:   "Wire format of the collector, StatsD or StatSite",
				EnvVars: []string{"NANOTUBE_FORMAT"},
			},
			&cli.BoolFlag{
				Name:    "strict",
				Usage:   "Fail instead of discarding metrics that cannot be sent",
				EnvVars: []string{"NANOTUBE_STRICT"},
			},
			&cli.PathFlag{
				Name:    "config",
				Usage:   "JSON or YAML configuration file, overrides the other flags",
				EnvVars: []string{"NANOTUBE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Log debug messages",
				EnvVars: []string{"NANOTUBE_DEBUG"},
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "count",
				Usage:     "increment a counter",
				ArgsUsage: "key [n]",
				Action:    count,
			},
			{
				Name:      "time",
				Usage:     "run a command and report how long it took",
				ArgsUsage: "key -- command [args...]",
				Action:    timeCommand,
			},
			{
				Name:      "sample",
				Usage:     "report a sampled counter",
				ArgsUsage: "key value rate",
				Action:    sample,
			},
			{
				Name:      "kv",
				Usage:     "report a key/value reading",
				ArgsUsage: "key value",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:  "timestamp",
						Usage: "Unix time of the reading, only sent in the StatSite format",
					},
				},
				Action: keyValue,
			},
			{
				Name:  "agent",
				Usage: "listen for metrics and print them",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "bind",
						Value:   ":8125",
						Usage:   "The network address to listen on for incoming UDP datagrams",
						EnvVars: []string{"NANOTUBE_BIND"},
					},
				},
				Action: agent,
			},
		},
	}
}

func loadConfig(c *cli.Context) (nanotube.Config, error) {
	if path := c.Path("config"); path != "" {
		return nanotube.LoadConfig(path)
	}

	format, err := nanotube.ParseFormat(c.String("format"))
	if err != nil {
		return nanotube.Config{}, err
	}

	config := nanotube.Config{
		Host:   c.String("host"),
		Port:   c.Int("port"),
		Prefix: c.String("prefix"),
		Format: format,
		Strict: c.Bool("strict"),
	}
	return config, config.Validate()
}

// send publishes metrics and waits for the datagrams to leave, the process
// would otherwise exit before the asynchronous writes run.
func send(c *cli.Context, metrics ...nanotube.Metric) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}

	client, err := nanotube.NewClient(config)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Send(metrics...); err != nil {
		return err
	}

	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline); {
		if s := client.Stats(); s.Packets+s.Failures+s.Drops != 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func count(c *cli.Context) error {
	key, err := keyArg(c)
	if err != nil {
		return err
	}

	n := 1
	if c.NArg() > 1 {
		if n, err = strconv.Atoi(c.Args().Get(1)); err != nil {
			return fmt.Errorf("bad counter value: %s", c.Args().Get(1))
		}
	}

	return send(c, nanotube.Counter(key, n))
}

func timeCommand(c *cli.Context) error {
	key, err := keyArg(c)
	if err != nil {
		return err
	}

	args := c.Args().Tail()
	if len(args) != 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		return fmt.Errorf("missing command line")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	start := time.Now()
	runErr := cmd.Run()

	if err := send(c, nanotube.Duration(key, time.Since(start))); err != nil {
		return err
	}
	return runErr
}

func sample(c *cli.Context) error {
	key, err := keyArg(c)
	if err != nil {
		return err
	}

	if c.NArg() != 3 {
		return fmt.Errorf("expected a key, a value and a sample rate")
	}

	value, err := strconv.ParseFloat(c.Args().Get(1), 64)
	if err != nil {
		return fmt.Errorf("bad metric value: %s", c.Args().Get(1))
	}

	rate, err := strconv.ParseFloat(c.Args().Get(2), 64)
	if err != nil {
		return fmt.Errorf("bad sample rate: %s", c.Args().Get(2))
	}

	m, err := nanotube.Sample(key, value, rate)
	if err != nil {
		return err
	}

	return send(c, m)
}

func keyValue(c *cli.Context) error {
	key, err := keyArg(c)
	if err != nil {
		return err
	}

	if c.NArg() != 2 {
		return fmt.Errorf("expected a key and a value")
	}

	value, err := strconv.ParseFloat(c.Args().Get(1), 64)
	if err != nil {
		return fmt.Errorf("bad metric value: %s", c.Args().Get(1))
	}

	m := nanotube.KeyValue(key, value)
	if c.IsSet("timestamp") {
		m = nanotube.KeyValueAt(key, value, time.Unix(c.Int64("timestamp"), 0))
	}

	return send(c, m)
}

func keyArg(c *cli.Context) (string, error) {
	if !c.Args().Present() {
		return "", fmt.Errorf("missing metric key")
	}
	return c.Args().First(), nil
}

func agent(c *cli.Context) error {
	bind := c.String("bind")
	log.WithField("bind", bind).Info("listening for incoming UDP datagrams")

	return udp.ListenAndServe(bind, udp.HandlerFunc(func(line []byte, addr net.Addr) {
		log.WithField("from", addr.String()).Info(string(line))
	}))
}
