package groundtruth

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// writeQuery writes the annotation files of one query. A nil list skips the file.
func writeQuery(t *testing.T, dir, name, query string, good, ok, junk []string) {
	t.Helper()

	write := func(suffix, content string) {
		path := filepath.Join(dir, name+suffix)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	lines := func(ids []string) string {
		s := ""
		for _, id := range ids {
			s += id + "\n"
		}
		return s
	}

	write("_query.txt", query)
	if good != nil {
		write("_good.txt", lines(good))
	}
	if ok != nil {
		write("_ok.txt", lines(ok))
	}
	if junk != nil {
		write("_junk.txt", lines(junk))
	}
}

func oxfordFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	writeQuery(t, dir, "all_souls_1", "oxc1_all_souls_000013 136.5 34.1 648.5 955.7\n",
		[]string{"all_souls_000013", "all_souls_000026"}, []string{"all_souls_000040"}, []string{"all_souls_000091"})
	writeQuery(t, dir, "all_souls_2", "oxc1_all_souls_000026 1.0 2.0 3.0 4.0\n",
		[]string{"all_souls_000013"}, []string{}, []string{})
	writeQuery(t, dir, "all_souls_3", "oxc1_all_souls_000040\n",
		[]string{"all_souls_000026"}, []string{}, []string{})
	writeQuery(t, dir, "radcliffe_camera_1", "oxc1_radcliffe_camera_000003 0 0 10 10\n",
		[]string{"radcliffe_camera_000003"}, []string{}, []string{})
	writeQuery(t, dir, "radcliffe_camera_2", "oxc1_radcliffe_camera_000004 0 0 10 10\n",
		[]string{}, []string{}, []string{})

	return dir
}

func TestLoad(t *testing.T) {
	idx, err := Load(oxfordFixture(t), DefaultOptions())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if idx.Len() != 5 {
		t.Errorf("Len() = %d, want 5", idx.Len())
	}

	all, _ := idx.QueryMap(SubsetAll)
	set := all["all_souls_1"]
	if set == nil {
		t.Fatal("missing all_souls_1")
	}

	if set.Image != "all_souls_000013" {
		t.Errorf("Image = %s, want all_souls_000013", set.Image)
	}
	if set.Box == nil || set.Box.X2 != 648.5 {
		t.Errorf("Box = %+v, want X2 648.5", set.Box)
	}
	if set.RelevantCount() != 3 {
		t.Errorf("RelevantCount() = %d, want 3", set.RelevantCount())
	}

	tests := []struct {
		id   string
		want Class
	}{
		{"all_souls_000013", ClassGood},
		{"all_souls_000040", ClassOk},
		{"all_souls_000091", ClassJunk},
		{"christ_church_000001", ClassNone},
	}
	for _, tt := range tests {
		if got := set.Class(tt.id); got != tt.want {
			t.Errorf("Class(%s) = %s, want %s", tt.id, got, tt.want)
		}
	}

	if all["all_souls_3"].Box != nil {
		t.Error("query without coordinates should have no box")
	}
}

func TestQueryNames_Split(t *testing.T) {
	idx, err := Load(oxfordFixture(t), DefaultOptions())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		subset Subset
		want   []string
	}{
		{SubsetTrain, []string{"all_souls_1", "all_souls_2", "radcliffe_camera_1"}},
		{SubsetValid, []string{"all_souls_3", "radcliffe_camera_2"}},
		{SubsetAll, []string{"all_souls_1", "all_souls_2", "all_souls_3", "radcliffe_camera_1", "radcliffe_camera_2"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.subset), func(t *testing.T) {
			got, err := idx.QueryNames(tt.subset)
			if err != nil {
				t.Fatalf("QueryNames() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("QueryNames(%s) = %v, want %v", tt.subset, got, tt.want)
			}

			m, _ := idx.QueryMap(tt.subset)
			if len(m) != len(tt.want) {
				t.Errorf("QueryMap(%s) has %d entries, want %d", tt.subset, len(m), len(tt.want))
			}
		})
	}

	if s, ok := idx.SubsetOf("all_souls_3"); !ok || s != SubsetValid {
		t.Errorf("SubsetOf(all_souls_3) = %s, %v", s, ok)
	}
}

func TestQueryNames_NumericOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"hertford_2", "hertford_10", "hertford_9"} {
		writeQuery(t, dir, name, "oxc1_hertford_000001\n", []string{}, []string{}, []string{})
	}

	idx, err := Load(dir, Options{ValidPerGroup: 1})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	valid, _ := idx.QueryNames(SubsetValid)
	if !reflect.DeepEqual(valid, []string{"hertford_10"}) {
		t.Errorf("valid = %v, want [hertford_10]", valid)
	}
}

func TestQueryNames_UnknownSubset(t *testing.T) {
	idx, err := Load(oxfordFixture(t), DefaultOptions())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, err := idx.QueryNames("test"); !errors.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) string
	}{
		{
			name: "missing directory",
			setup: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nope")
			},
		},
		{
			name: "no query files",
			setup: func(t *testing.T) string {
				return t.TempDir()
			},
		},
		{
			name: "missing good file",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeQuery(t, dir, "q_1", "oxc1_a\n", nil, []string{}, []string{})
				return dir
			},
		},
		{
			name: "missing junk file",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeQuery(t, dir, "q_1", "oxc1_a\n", []string{}, []string{}, nil)
				return dir
			},
		},
		{
			name: "empty query file",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeQuery(t, dir, "q_1", "\n", []string{}, []string{}, []string{})
				return dir
			},
		},
		{
			name: "malformed box",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeQuery(t, dir, "q_1", "oxc1_a 1 2 x 4\n", []string{}, []string{}, []string{})
				return dir
			},
		},
		{
			name: "image in two classes",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeQuery(t, dir, "q_1", "oxc1_a\n", []string{"b"}, []string{}, []string{"b"})
				return dir
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.setup(t), DefaultOptions())
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestLoad_OptionalIgnore(t *testing.T) {
	dir := t.TempDir()
	writeQuery(t, dir, "q_1", "oxc1_a\n", []string{"b"}, []string{}, []string{})
	if err := os.WriteFile(filepath.Join(dir, "q_1_ignore.txt"), []byte("c.jpg\n\n"), 0644); err != nil {
		t.Fatal(err)
	}

	idx, err := Load(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	m, _ := idx.QueryMap(SubsetAll)
	if got := m["q_1"].Class("c"); got != ClassIgnore {
		t.Errorf("Class(c) = %s, want ignore", got)
	}
	if m["q_1"].RelevantCount() != 1 {
		t.Errorf("ignore entries must not count as relevant")
	}
}

func TestParseSubset(t *testing.T) {
	for _, s := range []string{"train", "valid", "all"} {
		if _, err := ParseSubset(s); err != nil {
			t.Errorf("ParseSubset(%s) error = %v", s, err)
		}
	}
	if _, err := ParseSubset("eval"); err == nil {
		t.Error("expected error for unknown subset")
	}
}
