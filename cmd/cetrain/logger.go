package main

import (
	"bytes"
	"fmt"
	"net/http"
	"time"
)

// crayonLogger pushes scalar series to a Crayon-style experiment
// logging server. It lives here, not in the training core: the core
// only sees the train.ExperimentLogger capability, and a push failure
// never surfaces as anything worse than an error return the core
// already ignores.
type crayonLogger struct {
	host       string
	experiment string
	client     *http.Client
}

func newCrayonLogger(host, experiment string) *crayonLogger {
	return &crayonLogger{
		host:       host,
		experiment: experiment,
		client:     &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *crayonLogger) LogScalar(tag, name string, value float64) error {
	url := fmt.Sprintf("http://%s/data/scalars?xp=%s&name=%s_%s", c.host, c.experiment, tag, name)
	body := fmt.Sprintf("[%d, %d, %g]", time.Now().Unix(), 0, value)
	resp, err := c.client.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
