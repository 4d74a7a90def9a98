package utils

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mpapenbr/iracelog-session-sync/log"
)

func retryOpts(timeout time.Duration) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(timeout),
	}
}

func WaitForTCP(ctx context.Context, addr string, timeout time.Duration) error {
	start := time.Now()
	log.Debug("wait for tcp connection",
		log.String("addr", addr),
		log.String("timeout", timeout.String()))
	var d net.Dialer
	_, err := backoff.Retry(ctx, func() (bool, error) {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false, err
		}
		conn.Close()
		return true, nil
	}, retryOpts(timeout)...)
	if err != nil {
		return fmt.Errorf("%s could not be reached after %v: %w", addr, timeout, err)
	}
	log.Debug("tcp connection successful",
		log.String("addr", addr),
		log.String("duration", time.Since(start).String()))
	return nil
}

// WaitForHTTPResponse waits until url answers with any status code.
func WaitForHTTPResponse(ctx context.Context, url string, timeout time.Duration) error {
	start := time.Now()
	log.Debug("wait for http request",
		log.String("url", url),
		log.String("timeout", timeout.String()))
	cli := &http.Client{Timeout: 5 * time.Second}
	_, err := backoff.Retry(ctx, func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return false, backoff.Permanent(err)
		}
		resp, err := cli.Do(req)
		if err != nil {
			return false, err
		}
		resp.Body.Close()
		return true, nil
	}, retryOpts(timeout)...)
	if err != nil {
		return fmt.Errorf("%s could not be reached after %v: %w", url, timeout, err)
	}
	log.Debug("http request successful",
		log.String("url", url),
		log.String("duration", time.Since(start).String()))
	return nil
}

func ExtractFromNatsURL(url string) string {
	param := resolveRegex(
		"^(nats|tls)://(.*@)?(?P<addr>(?P<host>[^:/,]*?)(:(?P<port>\\d+))?)(/.*)?$", url)
	if len(param) == 0 || param["host"] == "" {
		return ""
	}
	if port, ok := param["port"]; ok && port != "" {
		return param["addr"]
	}
	return fmt.Sprintf("%s:4222", param["addr"])
}

func ExtractFromDBURL(url string) string {
	param := resolveRegex(
		"^postgres(ql)?://(.*@)?(?P<addr>(?P<host>.*?)(:(?P<port>\\d+))?)/.*", url)
	if len(param) == 0 {
		return ""
	}
	if port, ok := param["port"]; ok && port != "" {
		return param["addr"] // if port is found, the addr contains our wanted value
	}
	return fmt.Sprintf("%s:5432", param["addr"])
}

func ExtractFromWebsocketURL(url string) string {
	param := resolveRegex(
		"^(?P<scheme>wss?)://(?P<addr>(?P<host>[^:/]+)(:(?P<port>\\d+))?)(/.*)?$", url)
	if len(param) == 0 {
		return ""
	}
	if param["port"] != "" {
		return param["addr"]
	}
	if param["scheme"] == "wss" {
		return param["host"] + ":443"
	}
	return param["host"] + ":80"
}

func resolveRegex(regEx, url string) (paramsMap map[string]string) {
	compRegEx := regexp.MustCompile(regEx)
	match := compRegEx.FindStringSubmatch(url)
	if match == nil {
		return nil
	}
	paramsMap = make(map[string]string)
	for i, name := range compRegEx.SubexpNames() {
		if i > 0 && name != "" {
			paramsMap[name] = match[i]
		}
	}
	return paramsMap
}
