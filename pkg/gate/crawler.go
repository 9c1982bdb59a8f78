package gate

// DefaultCrawlers are filesystem indexing daemons that walk entire trees.
// A crawler touching an empty placeholder must be denied rather than
// deferred: if its access succeeds without hydration the verdict gets
// cached and the node appears permanently empty.
var DefaultCrawlers = []string{
	"mds",
	"mdworker",
	"mds_stores",
	"fseventsd",
	"Spotlight",
	"tracker-miner-f",
	"baloo_file",
	"updatedb",
}

func crawlerSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func (g *Gate) isCrawler(procName string) bool {
	if procName == "" {
		return false
	}
	_, ok := g.crawlers[procName]
	return ok
}
