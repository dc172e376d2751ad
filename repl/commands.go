package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/NIAGADS/niagads-pylib-sub000/cache"
)

var HelpOpen = errors.New("open /path/to/cache")
var HelpKey = errors.New("key /filer/data?track=NGEN000001&page=2")
var HelpGet = errors.New("get <namespace> <digest>")
var HelpDel = errors.New("del <namespace> <digest>")
var HelpKeys = errors.New("keys <namespace> [limit]")
var HelpFlush = errors.New("flush <namespace>")

func parseNamespace(name string) (cache.Namespace, error) {
	for _, ns := range cache.Namespaces() {
		if ns.String() == name {
			return ns, nil
		}
	}
	return cache.NamespaceRoot, fmt.Errorf("unknown namespace %q (one of %s)",
		name, strings.Join(namespaceNames(), ", "))
}

func namespaceNames() []string {
	all := cache.Namespaces()
	names := make([]string, len(all))
	for i, ns := range all {
		names[i] = ns.String()
	}
	return names
}

func (repl *REPL) CommandOpen(args []string) error {
	if len(args) != 1 {
		return HelpOpen
	}
	if repl.store != nil {
		return errors.New("a cache store is already open; close it first")
	}
	store, err := cache.Open(args[0], cache.Options{})
	if err != nil {
		return err
	}
	repl.store = store
	fmt.Printf("cache store %s opened\n", args[0])
	return nil
}

func (repl *REPL) CommandClose(args []string) error {
	if repl.store == nil {
		return ErrNoStore
	}
	err := repl.store.Close()
	repl.store = nil
	if err == nil {
		fmt.Println("cache store closed")
	}
	return err
}

// CommandKey shows how a request maps onto the keyspace without touching
// the store, for debugging stale or duplicated entries.
func (repl *REPL) CommandKey(args []string) error {
	if len(args) != 1 {
		return HelpKey
	}
	endpoint, query, _ := strings.Cut(args[0], "?")
	values, err := url.ParseQuery(query)
	if err != nil {
		return err
	}
	params := make(map[string]any, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	key := cache.NewRequestKey(endpoint, params)
	fmt.Printf("internal:  %s\n", key.Internal)
	fmt.Printf("no-page:   %s\n", key.NoPage().Internal)
	fmt.Printf("digest:    %s\n", key.Digest())
	fmt.Printf("namespace: %s\n", key.Namespace)
	return nil
}

func (repl *REPL) CommandGet(args []string) error {
	if repl.store == nil {
		return ErrNoStore
	}
	if len(args) != 2 {
		return HelpGet
	}
	ns, err := parseNamespace(args[0])
	if err != nil {
		return err
	}
	value, ok, err := repl.store.Get(context.Background(), args[1], ns)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("(not found)")
		return nil
	}
	// cached entries are codec-encoded; show JSON pretty, anything else raw
	var pretty bytes.Buffer
	if json.Indent(&pretty, value, "", "  ") == nil {
		fmt.Println(pretty.String())
		return nil
	}
	fmt.Printf("%d bytes: %q\n", len(value), value)
	return nil
}

func (repl *REPL) CommandDel(args []string) error {
	if repl.store == nil {
		return ErrNoStore
	}
	if len(args) != 2 {
		return HelpDel
	}
	ns, err := parseNamespace(args[0])
	if err != nil {
		return err
	}
	if err := repl.store.Delete(context.Background(), args[1], ns); err != nil {
		return err
	}
	fmt.Println("deleted")
	return nil
}

func (repl *REPL) CommandKeys(args []string) error {
	if repl.store == nil {
		return ErrNoStore
	}
	if len(args) < 1 || len(args) > 2 {
		return HelpKeys
	}
	ns, err := parseNamespace(args[0])
	if err != nil {
		return err
	}
	limit := 50
	if len(args) == 2 {
		if limit, err = strconv.Atoi(args[1]); err != nil {
			return HelpKeys
		}
	}
	keys, err := repl.store.Keys(context.Background(), ns, limit)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	fmt.Printf("%d key(s)\n", len(keys))
	return nil
}

func (repl *REPL) CommandFlush(args []string) error {
	if repl.store == nil {
		return ErrNoStore
	}
	if len(args) != 1 {
		return HelpFlush
	}
	ns, err := parseNamespace(args[0])
	if err != nil {
		return err
	}
	if err := repl.store.Invalidate(context.Background(), ns); err != nil {
		return err
	}
	fmt.Printf("namespace %s flushed\n", ns)
	return nil
}

func (repl *REPL) CommandStats(args []string) error {
	if repl.client != nil {
		fmt.Printf("upstream latency (avg): %s\n", repl.client.Latency())
	}
	if repl.store == nil {
		return ErrNoStore
	}
	fmt.Print(repl.store.DB().Metrics().String())
	return nil
}
