package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/eiannone/keyboard"
	"golang.org/x/term"

	"github.com/ca-x/hostsync/internal/client"
	"github.com/ca-x/hostsync/internal/model"
)

const barTemplate = `{{string . "name"}} {{string . "status"}} {{counters . }} {{bar . }} {{percent . }} {{string . "speed"}}`

type jobBar struct {
	bar *pb.ProgressBar
}

func newJobBar(id string) *jobBar {
	bar := pb.New64(0)
	bar.Set(pb.Bytes, true)
	bar.SetTemplateString(barTemplate)
	name := id
	if len(name) > 8 {
		name = name[:8]
	}
	bar.Set("name", name)
	bar.Set("status", "")
	bar.Set("speed", "")
	return &jobBar{bar: bar}
}

func (b *jobBar) update(job model.SyncJob) {
	b.bar.SetTotal(job.FileSize)
	b.bar.SetCurrent(job.SyncedSize)
	b.bar.Set("status", fmt.Sprintf("%-9s", job.Status))
	if job.Status == model.StatusSyncing {
		b.bar.Set("speed", humanize.IBytes(uint64(job.Speed))+"/s")
	} else {
		b.bar.Set("speed", "")
	}
}

// watch shows a progress bar per job until every job is terminal. With keys
// enabled and a terminal on stdin, p/r/c act on all watched jobs and q stops
// watching.
func watch(ctx context.Context, api *client.Client, ids []string, keys bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bars := make([]*jobBar, len(ids))
	raw := make([]*pb.ProgressBar, len(ids))
	for i, id := range ids {
		bars[i] = newJobBar(id)
		raw[i] = bars[i].bar
	}
	pool, err := pb.StartPool(raw...)
	if err != nil {
		return err
	}

	if keys && term.IsTerminal(int(os.Stdin.Fd())) {
		events, err := keyboard.GetKeys(8)
		if err == nil {
			defer keyboard.Close()
			go handleKeys(ctx, cancel, api, ids, events)
		}
	}

	final, err := client.NewWatcher(api, nil).Watch(ctx, ids, func(jobs []model.SyncJob) {
		for i, job := range jobs {
			bars[i].update(job)
		}
	})
	pool.Stop()

	if err != nil && ctx.Err() == nil {
		return err
	}
	for _, job := range final {
		line := fmt.Sprintf("%s %s", job.ID, job.Status)
		if job.Message != "" {
			line += ": " + job.Message
		}
		fmt.Println(line)
	}
	return nil
}

func handleKeys(ctx context.Context, quit context.CancelFunc, api *client.Client, ids []string, events <-chan keyboard.KeyEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok || ev.Err != nil {
				return
			}
			if ev.Key == keyboard.KeyCtrlC || ev.Key == keyboard.KeyEsc {
				quit()
				return
			}
			var op func(context.Context, string) error
			switch ev.Rune {
			case 'p':
				op = api.Pause
			case 'r':
				op = api.Resume
			case 'c':
				op = api.Cancel
			case 'q':
				quit()
				return
			default:
				continue
			}
			for _, id := range ids {
				// Requests illegal for a job's current state are ignored.
				_ = op(ctx, id)
			}
		}
	}
}
