// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/websocket"
)

const runtimeImage = "grnflow-runtime"

type eventMessage struct {
	Status     int
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
}

// watchContainer returns a channel that receives a value whenever the
// Arvados event stream reports an update to the object with the
// given uuid. It reconnects as needed until ctx is done.
func watchContainer(ctx context.Context, client *arvados.Client, uuid string) <-chan struct{} {
	updates := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			err := watchContainerOnce(ctx, client, uuid, updates)
			if ctx.Err() != nil {
				return
			}
			log.Warnf("websocket: %s", err)
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}()
	return updates
}

func watchContainerOnce(ctx context.Context, client *arvados.Client, uuid string, updates chan<- struct{}) error {
	var cluster arvados.Cluster
	err := client.RequestAndDecodeContext(ctx, &cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return fmt.Errorf("error getting cluster config: %w", err)
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	wsURL.RawQuery = url.Values{"api_token": []string{client.AuthToken}}.Encode()
	conn, err := websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	err = json.NewEncoder(conn).Encode(map[string]interface{}{
		"method": "subscribe",
		"filters": [][]interface{}{
			{"object_uuid", "=", uuid},
			{"event_type", "in", []string{"stderr", "update"}},
		},
	})
	if err != nil {
		return err
	}
	dec := json.NewDecoder(conn)
	for {
		var msg eventMessage
		err := dec.Decode(&msg)
		if err != nil {
			return fmt.Errorf("error decoding message: %w", err)
		}
		if msg.ObjectUUID != uuid || msg.EventType != "update" {
			continue
		}
		select {
		case updates <- struct{}{}:
		default:
		}
	}
}

var refreshTicker = time.NewTicker(5 * time.Second)

type arvadosContainerRunner struct {
	Client      *arvados.Client
	Name        string
	OutputName  string
	ProjectUUID string
	VCPUs       int
	RAM         int64
	Prog        string
	Args        []string
	Mounts      map[string]map[string]interface{}
	Priority    int
	KeepCache   int // cache buffers per VCPU (0 for default)
	Preemptible bool
}

// containerOutcome is what RunContext learns about a finished
// container.
type containerOutcome struct {
	OutputUUID string
	ExitCode   int
	Stderr     []byte
}

func (runner *arvadosContainerRunner) RunContext(ctx context.Context) (*containerOutcome, error) {
	if runner.ProjectUUID == "" {
		return nil, errors.New("cannot run arvados container: ProjectUUID not provided")
	}

	mounts := map[string]map[string]interface{}{
		"/mnt/output": {
			"kind":     "collection",
			"writable": true,
		},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}
	command := append([]string{runner.Prog}, runner.Args...)

	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	keepCache := runner.KeepCache
	if keepCache < 1 {
		keepCache = 2
	}
	rc := arvados.RuntimeConstraints{
		VCPUs:        runner.VCPUs,
		RAM:          runner.RAM,
		KeepCacheRAM: (1 << 26) * int64(keepCache) * int64(runner.VCPUs),
	}
	outname := &runner.OutputName
	if *outname == "" {
		outname = nil
	}
	var cr arvados.ContainerRequest
	err := runner.Client.RequestAndDecodeContext(ctx, &cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":          runner.ProjectUUID,
			"name":                runner.Name,
			"container_image":     runtimeImage,
			"command":             command,
			"mounts":              mounts,
			"use_existing":        true,
			"output_path":         "/mnt/output",
			"output_name":         outname,
			"runtime_constraints": rc,
			"priority":            priority,
			"state":               arvados.ContainerRequestStateCommitted,
			"scheduling_parameters": arvados.SchedulingParameters{
				Preemptible: runner.Preemptible,
				Partitions:  []string{},
			},
			"container_count_max": 1,
		},
	})
	if err != nil {
		return nil, err
	}
	logger := log.WithField("container_request", cr.UUID)
	logger.Printf("container UUID: %s", cr.ContainerUUID)

	var updates <-chan struct{}
	watching := ""
	stopWatching := func() {}
	defer func() { stopWatching() }()

	lastState := cr.State
	refreshCR := func() {
		rctx, rcancel := context.WithDeadline(ctx, time.Now().Add(time.Minute))
		defer rcancel()
		err := runner.Client.RequestAndDecodeContext(rctx, &cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		if err != nil {
			logger.Printf("error getting container request: %s", err)
			return
		}
		if lastState != cr.State {
			logger.Printf("container request state: %s", cr.State)
			lastState = cr.State
		}
		if cr.ContainerUUID != "" && watching != cr.ContainerUUID {
			stopWatching()
			var wctx context.Context
			wctx, stopWatching = context.WithCancel(ctx)
			updates = watchContainer(wctx, runner.Client, cr.ContainerUUID)
			watching = cr.ContainerUUID
		}
	}
	refreshCR()

	var stderr bytes.Buffer
	var logTell int64
	var logWaitMax = time.Second * 10
	var logWaitMin = time.Second
	var logWait = logWaitMin
	var logWaitDone = time.After(logWait)
waitctr:
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(&cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{
					"priority": 0,
				},
			})
			if err != nil {
				logger.Errorf("error while trying to cancel container request: %s", err)
			}
			break waitctr
		case <-refreshTicker.C:
			refreshCR()
		case <-updates:
			refreshCR()
		case <-logWaitDone:
			n, err := runner.fetchLog(&cr, logTell, &stderr, logger)
			if err != nil {
				logger.Errorf("error getting log data: %s", err)
			}
			logTell += n
			if n > 0 {
				logWait = logWaitMin
			} else {
				logWait = logWait * 2
				if logWait > logWaitMax {
					logWait = logWaitMax
				}
			}
			logWaitDone = time.After(logWait)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := runner.fetchLog(&cr, logTell, &stderr, logger); err != nil {
		logger.Errorf("error getting log data: %s", err)
	}

	var c arvados.Container
	err = runner.Client.RequestAndDecode(&c, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return nil, err
	} else if c.State != arvados.ContainerStateComplete {
		return nil, fmt.Errorf("container did not complete: %s", c.State)
	}
	return &containerOutcome{
		OutputUUID: cr.OutputUUID,
		ExitCode:   c.ExitCode,
		Stderr:     stderr.Bytes(),
	}, nil
}

// fetchLog copies complete lines of the container's stderr log,
// starting at offset tell, to both the logger and buf. It returns
// the number of bytes consumed.
func (runner *arvadosContainerRunner) fetchLog(cr *arvados.ContainerRequest, tell int64, buf *bytes.Buffer, logger *log.Entry) (int64, error) {
	if cr.ContainerUUID == "" {
		return 0, nil
	}
	req, err := http.NewRequest("GET", "https://"+runner.Client.APIHost+"/arvados/v1/container_requests/"+cr.UUID+"/log/"+cr.ContainerUUID+"/stderr.txt", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", tell))
	resp, err := runner.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if (resp.StatusCode == http.StatusNotFound && tell == 0) ||
		(resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && tell > 0) {
		return 0, nil
	} else if resp.StatusCode >= 300 {
		return 0, errors.New(resp.Status)
	}
	logdata, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	var n int64
	for {
		eol := bytes.IndexByte(logdata, '\n')
		if eol < 0 {
			break
		}
		line := logdata[:eol+1]
		logdata = logdata[eol+1:]
		n += int64(len(line))
		if len(bytes.TrimSpace(line)) > 0 {
			buf.Write(line)
			logger.Print(string(bytes.TrimSpace(line)))
		}
	}
	return n, nil
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

func (runner *arvadosContainerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]map[string]interface{})
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		collID := m[2]
		mnt, ok := runner.Mounts["/mnt/"+collID]
		if !ok {
			mnt = map[string]interface{}{
				"kind": "collection",
			}
			if len(collID) == 27 {
				mnt["uuid"] = collID
			} else {
				mnt["portable_data_hash"] = collID
			}
			runner.Mounts["/mnt/"+collID] = mnt
		}
		*path = "/mnt/" + collID + m[3]
	}
	return nil
}

var mtxMakeInputCollection sync.Mutex

// makeInputCollection stores the given local files (map of file name
// in collection => local path) in a collection in the runner's
// project, reusing an existing collection with identical content.
func (runner *arvadosContainerRunner) makeInputCollection(files map[string]string) (string, error) {
	mtxMakeInputCollection.Lock()
	defer mtxMakeInputCollection.Unlock()
	names := sortedKeys(files)
	hash, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		f, err := os.Open(files[name])
		if err != nil {
			return "", err
		}
		fmt.Fprintf(hash, "%s\x00", name)
		_, err = io.Copy(hash, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	b2 := fmt.Sprintf("%x", hash.Sum(nil))
	cname := "grnflow inputs " + b2[:16]
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: b2},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		coll := existing.Items[0]
		log.Printf("using inputs in existing collection %s", coll.UUID)
		return coll.UUID, nil
	}
	log.Printf("writing %d input files to new collection %q", len(names), cname)
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	kc := keepclient.New(ac)
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, kc)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		err = copyIntoCollection(fs, name, files[name])
		if err != nil {
			return "", err
		}
	}
	mtxt, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": mtxt,
			"name":          cname,
			"properties": map[string]interface{}{
				"blake2b": b2,
			},
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("stored inputs in new collection %s", coll.UUID)
	return coll.UUID, nil
}

func copyIntoCollection(fs arvados.CollectionFileSystem, name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := fs.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// arvadosExecutor runs invocations in Arvados containers. Inputs that
// are already in Keep are mounted; other inputs are uploaded first.
// Outputs are saved in the container's output collection, and copied
// from there to their local paths.
type arvadosExecutor struct {
	Client      *arvados.Client
	ProjectUUID string
	VCPUs       int
	RAM         int64
	Priority    int
	Preemptible bool
}

func (e *arvadosExecutor) Execute(ctx context.Context, inv *invocation) (*processResult, error) {
	runner := arvadosContainerRunner{
		Client:      e.Client,
		Name:        "grnflow " + inv.Name,
		ProjectUUID: e.ProjectUUID,
		VCPUs:       e.VCPUs,
		RAM:         e.RAM,
		Prog:        inv.Prog,
		Priority:    e.Priority,
		Preemptible: e.Preemptible,
		Mounts:      map[string]map[string]interface{}{},
	}
	inputs := map[string]string{}
	upload := map[string]string{}
	for name, path := range inv.Inputs {
		if collectionInPathRe.MatchString(path) {
			err := runner.TranslatePaths(&path)
			if err != nil {
				return nil, err
			}
			inputs[name] = path
		} else {
			fnm := name + "_" + filepath.Base(path)
			upload[fnm] = path
			inputs[name] = "/mnt/input/" + fnm
		}
	}
	if len(upload) > 0 {
		uuid, err := runner.makeInputCollection(upload)
		if err != nil {
			return nil, err
		}
		runner.Mounts["/mnt/input"] = map[string]interface{}{
			"kind": "collection",
			"uuid": uuid,
		}
	}
	args, err := inv.expand(
		func(name string) string { return inputs[name] },
		func(name string) string { return "/mnt/output/" + filepath.Base(inv.Outputs[name]) })
	if err != nil {
		return nil, err
	}
	runner.Args = args
	outcome, err := runner.RunContext(ctx)
	if err != nil {
		return nil, err
	}
	res := &processResult{
		Command:  append([]string{inv.Prog}, args...),
		ExitCode: outcome.ExitCode,
		Stderr:   outcome.Stderr,
		Outputs:  map[string]string{},
	}
	if outcome.ExitCode != 0 {
		return res, nil
	}
	for _, name := range sortedKeys(inv.Outputs) {
		path := inv.Outputs[name]
		err := fetchOutput(outcome.OutputUUID+"/"+filepath.Base(path), path)
		if err != nil {
			return nil, err
		}
		res.Outputs[name] = path
	}
	return res, nil
}

// fetchOutput copies a file from an output collection to a local
// path.
func fetchOutput(src, dst string) error {
	f, err := open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	log.Printf("copying %s to %s", src, dst)
	return writeFileAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, f)
		return err
	})
}

// zopen returns a reader for the given file, using the arvados API
// instead of arv-mount/fuse where applicable, and transparently
// decompressing the input if fnm ends with ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return gzipr{rdr, f}, nil
}

// gzipr wraps a ReadCloser and a Closer, presenting a single Close()
// method that closes both wrapped objects.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

var (
	arvadosClientFromEnv = arvados.NewClientFromEnv()
	keepClient           *keepclient.KeepClient
	siteFS               arvados.CustomFileSystem
	siteFSMtx            sync.Mutex
)

type file interface {
	io.ReadCloser
	io.Seeker
	Readdir(n int) ([]os.FileInfo, error)
}

// open opens a local file, or a file in a Keep collection if
// ARVADOS_API_HOST is set and fnm looks like a collection path.
func open(fnm string) (file, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	collectionUUID := m[2]
	collectionPath := m[3]

	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	if siteFS == nil {
		log.Info("setting up Arvados client")
		ac, err := arvadosclient.New(arvadosClientFromEnv)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		keepClient = keepclient.New(ac)
		// Don't use keepclient's default short timeouts.
		keepClient.HTTPClient = arvados.DefaultSecureClient
		keepClient.BlockCache = &keepclient.BlockCache{MaxBlocks: 4}
		siteFS = arvadosClientFromEnv.SiteFileSystem(keepClient)
	}

	log.Infof("reading %q from %s using Arvados client", collectionPath, collectionUUID)
	return siteFS.Open("by_id/" + collectionUUID + collectionPath)
}
