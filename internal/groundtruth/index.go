// Package groundtruth parses per-query relevance annotations in the
// Oxford/Paris buildings layout:
//
//	<query>_query.txt   query image identifier and optional box
//	<query>_good.txt    newline-separated identifiers
//	<query>_ok.txt
//	<query>_junk.txt
//	<query>_ignore.txt  optional
package groundtruth

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

const querySuffix = "_query.txt"

// Options controls index loading.
type Options struct {
	// ValidPerGroup is how many queries of each landmark group (highest
	// index first) go to the valid subset.
	ValidPerGroup int

	// QueryPrefix is stripped from the query image token (oxc1_ in Oxford).
	QueryPrefix string
}

// DefaultOptions returns the Oxford defaults.
func DefaultOptions() Options {
	return Options{
		ValidPerGroup: 1,
		QueryPrefix:   "oxc1_",
	}
}

// Index holds the ground truth of every query, read once at construction.
type Index struct {
	dir     string
	queries QueryMap
	subsets map[string]Subset
	names   []string
}

// Load reads all queries from dir.
func Load(dir string, opts Options) (*Index, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(errors.CodeConfiguration, "labels directory not found", err).
			WithDetail("dir", dir)
	}
	if !info.IsDir() {
		return nil, errors.ConfigurationErrorf("labels path %s is not a directory", dir)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*"+querySuffix))
	if err != nil {
		return nil, errors.Wrap(errors.CodeConfiguration, "listing query files", err)
	}
	if len(matches) == 0 {
		return nil, errors.ConfigurationErrorf("no *%s files in %s", querySuffix, dir)
	}

	idx := &Index{
		dir:     dir,
		queries: make(QueryMap, len(matches)),
	}

	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), querySuffix)
		set, err := loadQuery(dir, name, opts)
		if err != nil {
			return nil, err
		}
		idx.queries[name] = set
		idx.names = append(idx.names, name)
	}
	sort.Strings(idx.names)

	idx.subsets = splitSubsets(idx.names, opts.ValidPerGroup)
	return idx, nil
}

func loadQuery(dir, name string, opts Options) (*Set, error) {
	image, box, err := readQueryFile(filepath.Join(dir, name+querySuffix), opts.QueryPrefix)
	if err != nil {
		return nil, err
	}

	lists := make(map[Class][]string, 4)
	for _, class := range []Class{ClassGood, ClassOk, ClassJunk, ClassIgnore} {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.txt", name, class))
		ids, err := readIDList(path)
		if err != nil {
			if class == ClassIgnore && os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrap(errors.CodeConfiguration,
				fmt.Sprintf("reading %s file for query %s", class, name), err).WithDetail("path", path)
		}
		lists[class] = ids
	}

	set, err := NewSet(name, image, lists[ClassGood], lists[ClassOk], lists[ClassJunk], lists[ClassIgnore])
	if err != nil {
		return nil, err
	}
	set.Box = box
	return set, nil
}

func readQueryFile(path, prefix string) (string, *Box, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, errors.Wrap(errors.CodeConfiguration, "reading query file", err).WithDetail("path", path)
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", nil, errors.ConfigurationErrorf("query file %s is empty", path)
	}

	image := normalizeID(fields[0])
	if prefix != "" {
		image = strings.TrimPrefix(image, prefix)
	}

	switch len(fields) {
	case 1:
		return image, nil, nil
	case 5:
		var coords [4]float64
		for i, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return "", nil, errors.Wrap(errors.CodeConfiguration, "malformed query box", err).WithDetail("path", path)
			}
			coords[i] = v
		}
		return image, &Box{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}, nil
	default:
		return "", nil, errors.ConfigurationErrorf("query file %s: expected identifier and 4 box coordinates, got %d fields", path, len(fields))
	}
}

// readIDList reads newline-separated identifiers, skipping blank lines.
func readIDList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ids = append(ids, normalizeID(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// normalizeID strips directories and the file extension.
func normalizeID(s string) string {
	s = filepath.Base(s)
	return strings.TrimSuffix(s, filepath.Ext(s))
}

// groupKey splits all_souls_3 into ("all_souls", 3). Names without a numeric
// suffix form a group of their own with index 0.
func groupKey(name string) (string, int) {
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return name, 0
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return name, 0
	}
	return name[:i], n
}

func splitSubsets(names []string, validPerGroup int) map[string]Subset {
	groups := make(map[string][]string)
	for _, name := range names {
		g, _ := groupKey(name)
		groups[g] = append(groups[g], name)
	}

	subsets := make(map[string]Subset, len(names))
	for _, members := range groups {
		sort.Slice(members, func(i, j int) bool {
			_, a := groupKey(members[i])
			_, b := groupKey(members[j])
			if a != b {
				return a < b
			}
			return members[i] < members[j]
		})

		cut := len(members) - validPerGroup
		if cut < 0 {
			cut = 0
		}
		for i, name := range members {
			if i < cut {
				subsets[name] = SubsetTrain
			} else {
				subsets[name] = SubsetValid
			}
		}
	}
	return subsets
}

// QueryNames returns the sorted query names of a subset.
func (x *Index) QueryNames(subset Subset) ([]string, error) {
	if _, err := ParseSubset(string(subset)); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(x.names))
	for _, name := range x.names {
		if subset == SubsetAll || x.subsets[name] == subset {
			names = append(names, name)
		}
	}
	return names, nil
}

// QueryMap returns the ground truth of every query in a subset.
func (x *Index) QueryMap(subset Subset) (QueryMap, error) {
	names, err := x.QueryNames(subset)
	if err != nil {
		return nil, err
	}

	m := make(QueryMap, len(names))
	for _, name := range names {
		m[name] = x.queries[name]
	}
	return m, nil
}

// SubsetOf returns the subset a query belongs to.
func (x *Index) SubsetOf(query string) (Subset, bool) {
	s, ok := x.subsets[query]
	return s, ok
}

// Len returns the total number of queries.
func (x *Index) Len() int {
	return len(x.names)
}

// Dir returns the labels directory.
func (x *Index) Dir() string {
	return x.dir
}
