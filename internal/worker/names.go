package worker

import "fmt"

// PartitionNames 是某个版本拥有的两个分区名。
type PartitionNames struct {
	Static  string `json:"static"`
	Dynamic string `json:"dynamic"`
}

// NamesFor 由缓存前缀与版本号推导分区名，不同版本的分区互不重叠。
func NamesFor(prefix, version string) PartitionNames {
	return PartitionNames{
		Static:  fmt.Sprintf("%s-static-%s", prefix, version),
		Dynamic: fmt.Sprintf("%s-dynamic-%s", prefix, version),
	}
}

// All 返回激活后应保留的分区集合。
func (n PartitionNames) All() []string {
	return []string{n.Static, n.Dynamic}
}

// Owns 判断分区是否属于当前版本。
func (n PartitionNames) Owns(name string) bool {
	return name == n.Static || name == n.Dynamic
}
