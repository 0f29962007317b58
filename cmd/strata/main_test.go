package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/strata/storage/keystring"
)

func execute(t *testing.T, path string, stdin string, args ...string) (string, error) {
	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--path", path, "--no-sync", "--log-level", "error"}, args...))

	err := cmd.Execute()

	return out.String(), err
}

func TestCLI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.db")

	steps := []struct {
		args   []string
		stdin  string
		output string
	}{
		{args: []string{"create", "events", "--key", "ts"}},
		{args: []string{"insert", "events"}, stdin: "{\"ts\":1}\n\n{\"ts\":2}\n", output: "\"RecordID(0, 1)\"\n\"RecordID(0, 2)\"\n"},
		{args: []string{"add-partition", "events"}, output: "{\"addPartition\":\"events\",\"newMax\":[2],\"info\":{\"_id\":1,\"max\":[{\"$maxKey\":1}]}}\n"},
		{args: []string{"insert", "events"}, stdin: "{\"ts\":3}\n", output: "\"RecordID(1, 1)\"\n"},
		{args: []string{"drop-partition", "events", "--max", "{\"ts\":2}"}, output: "{\"dropped\":[0]}\n"},
		{args: []string{"partition-info", "events"}, output: "{\"numPartitions\":1,\"partitions\":[{\"_id\":1,\"max\":[{\"$maxKey\":1}]}]}\n"},
		{args: []string{"collections"}, output: "[\"events\"]\n"},
	}

	for _, step := range steps {
		output, err := execute(t, path, step.stdin, step.args...)

		if err != nil {
			t.Fatalf("%v: expected err to be nil, got %#v", step.args, err)
		}

		if diff := cmp.Diff(step.output, output); diff != "" {
			t.Fatalf("%v: %s", step.args, diff)
		}
	}

	if _, err := execute(t, path, "", "drop-partition", "events"); err == nil {
		t.Fatalf("expected drop-partition without --id or --max to fail")
	}
}

func TestParsePattern(t *testing.T) {
	testCases := map[string]struct {
		input   string
		pattern keystring.Pattern
		fails   bool
	}{
		"empty": {
			input: "",
		},
		"single": {
			input:   "ts",
			pattern: keystring.Pattern{{Path: "ts", Direction: keystring.Ascending}},
		},
		"directions": {
			input:   "region,amount:-1",
			pattern: keystring.Pattern{{Path: "region", Direction: keystring.Ascending}, {Path: "amount", Direction: keystring.Descending}},
		},
		"bad direction": {
			input: "amount:2",
			fails: true,
		},
		"duplicate field": {
			input: "a,a",
			fails: true,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			pattern, err := parsePattern(testCase.input)

			if testCase.fails {
				if err == nil {
					t.Fatalf("expected %q to fail", testCase.input)
				}

				return
			}

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if diff := cmp.Diff(testCase.pattern, pattern); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}
