// Package client talks to the admin API of a running fabjobs process.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

const maxReadTimeout = 60 // second

type Attempt struct {
	Attempt int    `json:"attempt"`
	At      int64  `json:"at"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	Args        json.RawMessage `json:"args"`
	EnqueuedAt  int64           `json:"enqueued_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	UniqueKey   string          `json:"unique_key"`
	History     []Attempt       `json:"history"`
}

type DeadJob struct {
	Job     *Job   `json:"job"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	DiedAt  int64  `json:"died_at"`
}

type Problem struct {
	Entry   string `json:"entry"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	if p.Entry == "" {
		return p.Message
	}
	return fmt.Sprintf("%s: %s", p.Entry, p.Message)
}

type ScheduleEntry struct {
	Name        string          `json:"name"`
	Cron        string          `json:"cron"`
	Job         string          `json:"job"`
	Queue       string          `json:"queue"`
	Args        json.RawMessage `json:"args"`
	Enabled     bool            `json:"enabled"`
	Description string          `json:"description"`
	LastFireAt  *time.Time      `json:"last_fire_at"`
	NextFireAt  *time.Time      `json:"next_fire_at"`
}

type ScheduleList struct {
	Source   string          `json:"source"`
	LoadedAt *time.Time      `json:"loaded_at"`
	Entries  []ScheduleEntry `json:"entries"`
	Problems []Problem       `json:"problems"`
}

type QueueInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Delayed int64  `json:"delayed"`
}

type Info struct {
	Namespace  string      `json:"namespace"`
	Env        string      `json:"env"`
	Queues     []QueueInfo `json:"queues"`
	DeadLetter int64       `json:"deadletter"`
	Jobs       []string    `json:"jobs"`
	Scheduler  struct {
		State    string `json:"state"`
		Leader   bool   `json:"leader"`
		Disabled bool   `json:"disabled"`
	} `json:"scheduler"`
	Workers struct {
		ID          string `json:"id"`
		Concurrency int    `json:"concurrency"`
		InFlight    int    `json:"in_flight"`
		LeaseTTR    string `json:"lease_ttr"`
		Disabled    bool   `json:"disabled"`
	} `json:"workers"`
	StartedAt string `json:"started_at"`
}

type AdminClient struct {
	scheme string
	Host   string
	Port   int

	retry   int // retry on transport errors and 5xx of idempotent calls
	backOff int // millisecond
	httpCli *http.Client
}

func NewAdminClient(host string, port int) *AdminClient {
	cli := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 4,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: time.Minute,
			}).DialContext,
		},
		Timeout: maxReadTimeout * time.Second,
	}
	return NewAdminWithClient(cli, host, port)
}

// NewAdminWithClient allow using user defined http client to setup the admin client
func NewAdminWithClient(cli *http.Client, host string, port int) *AdminClient {
	scheme := "http"
	if u, err := url.Parse(host); err == nil && u.Scheme != "" && u.Host != "" {
		scheme = u.Scheme
		host = u.Hostname()
		if p, err := strconv.Atoi(u.Port()); err == nil && port == 0 {
			port = p
		}
	}
	return &AdminClient{
		Host:    host,
		Port:    port,
		scheme:  scheme,
		httpCli: cli,
	}
}

func (c *AdminClient) ConfigRetry(retryCount int, backOffMillisecond int) {
	c.retry = retryCount
	c.backOff = backOffMillisecond
}

// Enqueue adds a job by name. args is the JSON encoded argument payload,
// queue and delaySecond are optional. created is false when a pending job
// with the same unique key already exists, jobID is then that job.
func (c *AdminClient) Enqueue(ctx context.Context, name string, args []byte, queue string, delaySecond uint32) (jobID string, created bool, err error) {
	query := url.Values{}
	if queue != "" {
		query.Add("queue", queue)
	}
	if delaySecond > 0 {
		query.Add("delay", strconv.FormatUint(uint64(delaySecond), 10))
	}
	var respData struct {
		Msg   string `json:"msg"`
		JobID string `json:"job_id"`
	}
	// not retried, a lost response would enqueue twice
	code, err := c.do(ctx, http.MethodPut, path.Join("jobs", name), query, args, false, &respData, http.StatusCreated, http.StatusOK)
	if err != nil {
		return "", false, err
	}
	return respData.JobID, code == http.StatusCreated, nil
}

// GetJob returns a pending, leased or delayed job.
func (c *AdminClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	job := &Job{}
	if _, err := c.do(ctx, http.MethodGet, path.Join("jobs", jobID), nil, nil, true, job, http.StatusOK); err != nil {
		return nil, err
	}
	return job, nil
}

// QueueSize returns the ready and the delayed job counts of the queue.
func (c *AdminClient) QueueSize(ctx context.Context, queue string) (size, delayed int64, err error) {
	var respData struct {
		Size    int64 `json:"size"`
		Delayed int64 `json:"delayed"`
	}
	if _, err := c.do(ctx, http.MethodGet, path.Join("queues", queue, "size"), nil, nil, true, &respData, http.StatusOK); err != nil {
		return 0, 0, err
	}
	return respData.Size, respData.Delayed, nil
}

// ListDeadLetter returns a page of dead jobs, newest first, and the total.
func (c *AdminClient) ListDeadLetter(ctx context.Context, offset, limit int64) (size int64, jobs []*DeadJob, err error) {
	query := url.Values{}
	query.Add("offset", strconv.FormatInt(offset, 10))
	query.Add("limit", strconv.FormatInt(limit, 10))
	var respData struct {
		Size int64      `json:"size"`
		Jobs []*DeadJob `json:"jobs"`
	}
	if _, err := c.do(ctx, http.MethodGet, "deadletter", query, nil, true, &respData, http.StatusOK); err != nil {
		return 0, nil, err
	}
	return respData.Size, respData.Jobs, nil
}

// RespawnDeadLetter puts a dead job back to its queue.
func (c *AdminClient) RespawnDeadLetter(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, http.MethodPut, path.Join("deadletter", jobID), nil, nil, true, nil, http.StatusOK)
	return withJobID(err, jobID)
}

func (c *AdminClient) DeleteDeadLetter(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, http.MethodDelete, path.Join("deadletter", jobID), nil, nil, true, nil, http.StatusNoContent)
	return withJobID(err, jobID)
}

func (c *AdminClient) ListSchedules(ctx context.Context) (*ScheduleList, error) {
	list := &ScheduleList{}
	if _, err := c.do(ctx, http.MethodGet, "schedules", nil, nil, true, list, http.StatusOK); err != nil {
		return nil, err
	}
	return list, nil
}

// ReloadSchedules makes the server read its schedule file again. A rejected
// schedule comes back as an APIError carrying the problems.
func (c *AdminClient) ReloadSchedules(ctx context.Context) (entries int, err error) {
	var respData struct {
		Entries int `json:"entries"`
	}
	if _, err := c.do(ctx, http.MethodPost, "schedules/reload", nil, nil, true, &respData, http.StatusOK); err != nil {
		return 0, err
	}
	return respData.Entries, nil
}

func (c *AdminClient) Info(ctx context.Context) (*Info, error) {
	info := &Info{}
	if _, err := c.do(ctx, http.MethodGet, "info", nil, nil, true, info, http.StatusOK); err != nil {
		return nil, err
	}
	return info, nil
}

func withJobID(err error, jobID string) error {
	if apiErr, ok := err.(*APIError); ok {
		apiErr.JobID = jobID
	}
	return err
}
