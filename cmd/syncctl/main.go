package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/ca-x/hostsync/internal/client"
	"github.com/ca-x/hostsync/internal/model"
	"github.com/ca-x/hostsync/internal/sync"
)

func main() {
	app := &cli.App{
		Name:                 "syncctl",
		Usage:                "Control file synchronization jobs on a hostsync server",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "hostsync API address",
				Value:   "http://localhost:8181",
				EnvVars: []string{"HOSTSYNC_SERVER"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "hosts",
				Usage:  "List managed hosts",
				Action: listHosts,
			},
			{
				Name:      "check",
				Usage:     "Check that a host is reachable",
				ArgsUsage: "<host-id>",
				Action:    checkHost,
			},
			{
				Name:  "sync",
				Usage: "Start synchronizing a file to a host",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "host",
						Usage:    "Destination host id",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "source",
						Usage:    "Source file path on the server",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "target",
						Usage:    "Destination path on the host",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "incremental",
						Usage: "Skip bytes already present at the destination",
					},
					&cli.StringFlag{
						Name:  "description",
						Usage: "Free-form note stored with the job",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "Follow progress until the job finishes",
					},
				},
				Action: startSync,
			},
			{
				Name:  "list",
				Usage: "List sync jobs of a host, or active jobs when no host is given",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "host",
						Usage: "Host id",
					},
				},
				Action: listJobs,
			},
			{
				Name:      "status",
				Usage:     "Show a sync job",
				ArgsUsage: "<job-id>",
				Action:    showStatus,
			},
			{
				Name:      "history",
				Usage:     "Show the history of a sync job",
				ArgsUsage: "<job-id>",
				Action:    showHistory,
			},
			{
				Name:      "pause",
				Usage:     "Pause a running sync job",
				ArgsUsage: "<job-id>",
				Action:    control("pause"),
			},
			{
				Name:      "resume",
				Usage:     "Resume a paused sync job",
				ArgsUsage: "<job-id>",
				Action:    control("resume"),
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a sync job",
				ArgsUsage: "<job-id>",
				Action:    control("cancel"),
			},
			{
				Name:      "watch",
				Usage:     "Follow sync jobs until they finish (keys: p pause, r resume, c cancel, q quit)",
				ArgsUsage: "<job-id>...",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "no-keys",
						Usage: "Disable keyboard controls",
					},
				},
				Action: watchJobs,
			},
			{
				Name:   "stats",
				Usage:  "Show job and transfer statistics",
				Action: showStats,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(c *cli.Context) *client.Client {
	return client.New(c.String("server"))
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func jobArg(c *cli.Context) (string, error) {
	id := c.Args().First()
	if id == "" {
		return "", fmt.Errorf("a job id is required")
	}
	return id, nil
}

func listHosts(c *cli.Context) error {
	hosts, err := newClient(c).ListHosts(c.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tADDRESS\tSTATUS")
	for _, h := range hosts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", h.ID, h.Name, h.Kind, h.Address, h.Status)
	}
	return w.Flush()
}

func checkHost(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("a host id is required")
	}
	host, err := newClient(c).CheckHost(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", host.Name, host.Status)
	return nil
}

func startSync(c *cli.Context) error {
	api := newClient(c)
	job, err := api.StartSync(c.Context, sync.StartRequest{
		HostID:        c.String("host"),
		SourcePath:    c.String("source"),
		TargetPath:    c.String("target"),
		IsIncremental: c.Bool("incremental"),
		Description:   c.String("description"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Started sync job %s\n", job.ID)

	if !c.Bool("watch") {
		return nil
	}
	ctx, stop := signalContext(c)
	defer stop()
	return watch(ctx, api, []string{job.ID}, true)
}

func listJobs(c *cli.Context) error {
	api := newClient(c)

	var jobs []model.SyncJob
	var err error
	if host := c.String("host"); host != "" {
		jobs, err = api.ListSyncs(c.Context, host)
	} else {
		jobs, err = api.ListActive(c.Context)
	}
	if err != nil {
		return err
	}
	printJobs(jobs)
	return nil
}

func printJobs(jobs []model.SyncJob) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSIZE\tSOURCE\tTARGET")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\t%s\n",
			j.ID, j.Status, j.Progress, humanize.IBytes(uint64(j.FileSize)), j.SourcePath, j.TargetPath)
	}
	w.Flush()
}

func showStatus(c *cli.Context) error {
	id, err := jobArg(c)
	if err != nil {
		return err
	}
	job, err := newClient(c).GetSync(c.Context, id)
	if err != nil {
		return err
	}

	fmt.Printf("Job:       %s\n", job.ID)
	fmt.Printf("Host:      %s\n", job.HostID)
	fmt.Printf("Source:    %s\n", job.SourcePath)
	fmt.Printf("Target:    %s\n", job.TargetPath)
	fmt.Printf("Type:      %s\n", model.SyncTypeOf(job.IsIncremental))
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Progress:  %d%% (%s of %s)\n", job.Progress,
		humanize.IBytes(uint64(job.SyncedSize)), humanize.IBytes(uint64(job.FileSize)))
	if job.Status == model.StatusSyncing {
		fmt.Printf("Speed:     %s/s\n", humanize.IBytes(uint64(job.Speed)))
	}
	if job.Checksum != "" {
		fmt.Printf("Checksum:  %s\n", job.Checksum)
	}
	if job.LastSyncAt != nil {
		fmt.Printf("Last sync: %s\n", humanize.Time(*job.LastSyncAt))
	}
	if job.Message != "" {
		fmt.Printf("Message:   %s\n", job.Message)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	id, err := jobArg(c)
	if err != nil {
		return err
	}
	entries, err := newClient(c).History(c.Context, id)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTATUS\tTYPE\tTRANSFERRED\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Status, e.SyncType,
			humanize.IBytes(uint64(e.BytesTransferred)), e.Message)
	}
	return w.Flush()
}

func control(op string) cli.ActionFunc {
	return func(c *cli.Context) error {
		id, err := jobArg(c)
		if err != nil {
			return err
		}
		api := newClient(c)
		switch op {
		case "pause":
			err = api.Pause(c.Context, id)
		case "resume":
			err = api.Resume(c.Context, id)
		default:
			err = api.Cancel(c.Context, id)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s requested for %s\n", strings.ToUpper(op[:1])+op[1:], id)
		return nil
	}
}

func watchJobs(c *cli.Context) error {
	ids := c.Args().Slice()
	if len(ids) == 0 {
		return fmt.Errorf("at least one job id is required")
	}
	ctx, stop := signalContext(c)
	defer stop()
	return watch(ctx, newClient(c), ids, !c.Bool("no-keys"))
}

func showStats(c *cli.Context) error {
	stats, err := newClient(c).Stats(c.Context)
	if err != nil {
		return err
	}

	fmt.Printf("Hosts:        %d\n", stats.Hosts)
	fmt.Printf("Active jobs:  %d\n", stats.Active)
	for _, s := range []model.Status{
		model.StatusPending, model.StatusSyncing, model.StatusPaused,
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled,
	} {
		fmt.Printf("  %-10s  %d\n", s, stats.Jobs[s])
	}
	fmt.Printf("Attempts:     %d\n", stats.HistoryEntries)
	fmt.Printf("Transferred:  %s\n", humanize.IBytes(uint64(stats.BytesTransferred)))
	if stats.Spool != nil {
		fmt.Printf("Spool:        %s\n", stats.Spool)
	}
	return nil
}
