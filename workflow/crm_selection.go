package workflow

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// CrmItem CRM条目, 只保存展示需要的字段
type CrmItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CrmSnapshot 节点激活时冻结的CRM数据, 审批人只能在这个范围内选择
type CrmSnapshot struct {
	Accounts      []*CrmItem `json:"accounts"`
	Contacts      []*CrmItem `json:"contacts"`
	Opportunities []*CrmItem `json:"opportunities"`
}

// CrmSelection 按实体类型分组的选择结果
type CrmSelection struct {
	Accounts      []string `json:"accounts"`
	Contacts      []string `json:"contacts"`
	Opportunities []string `json:"opportunities"`
}

// CrmSelectionDefaults 激活时计算的默认选择, 只是给前端展示的建议值
type CrmSelectionDefaults struct {
	SelectedCrmItems *CrmSelection     `json:"selectedCrmItems"`
	AssignedSellers  map[string]string `json:"assignedSellers"`
}

func itemIDs(items []*CrmItem) []string {
	ret := make([]string, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		ret = append(ret, item.ID)
	}
	return ret
}

func rosterIndex(roster []*CompanyUser) map[string]struct{} {
	ret := make(map[string]struct{}, len(roster))
	for _, user := range roster {
		if user == nil {
			continue
		}
		ret[user.ID] = struct{}{}
	}
	return ret
}

/*
*
  - @description: 计算默认选择, 全选所有条目;
    会议负责人在公司用户中时, 所有商机默认分配给会议负责人, 否则不分配
  - @param snapshot *CrmSnapshot
  - @param meetingOwnerID string
  - @param roster []*CompanyUser
  - @return *CrmSelectionDefaults
*/
func BuildCrmSelectionDefaults(snapshot *CrmSnapshot, meetingOwnerID string, roster []*CompanyUser) *CrmSelectionDefaults {
	if snapshot == nil {
		snapshot = &CrmSnapshot{}
	}
	defaults := &CrmSelectionDefaults{
		SelectedCrmItems: &CrmSelection{
			Accounts:      itemIDs(snapshot.Accounts),
			Contacts:      itemIDs(snapshot.Contacts),
			Opportunities: itemIDs(snapshot.Opportunities),
		},
		AssignedSellers: make(map[string]string),
	}
	if meetingOwnerID == "" {
		return defaults
	}
	if _, ok := rosterIndex(roster)[meetingOwnerID]; !ok {
		return defaults
	}
	for _, opportunityID := range defaults.SelectedCrmItems.Opportunities {
		defaults.AssignedSellers[opportunityID] = meetingOwnerID
	}
	return defaults
}

/*
*
  - @description: 把调用方提交的平铺id列表按照快照中的实体类型重新分组, 并校验销售分配
    1. 每个id必须在快照中, 否则返回 ErrInvalidSelection
    2. 分组内按照快照的顺序输出, 重复的id只保留一个
    3. 同一个id出现在多个类型里面时, 每个类型都会选中
    4. assignedSellers 的key必须是选中的商机, value必须是公司用户
    空选择是合法的
  - @return *CrmSelection, map[string]string 分组后的选择和销售分配
*/
func MergeCrmSelection(snapshot *CrmSnapshot, selectedIDs []string, assignedSellers map[string]string, roster []*CompanyUser) (*CrmSelection, map[string]string, error) {
	if snapshot == nil {
		snapshot = &CrmSnapshot{}
	}
	known := make(map[string]struct{})
	for _, group := range [][]*CrmItem{snapshot.Accounts, snapshot.Contacts, snapshot.Opportunities} {
		for _, id := range itemIDs(group) {
			known[id] = struct{}{}
		}
	}
	selected := make(map[string]struct{}, len(selectedIDs))
	unknown := make([]string, 0)
	for _, id := range selectedIDs {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
			continue
		}
		selected[id] = struct{}{}
	}
	if len(unknown) > 0 {
		return nil, nil, errors.WithMessagef(ErrInvalidSelection, "items not in snapshot: %s", strings.Join(unknown, ","))
	}

	pick := func(items []*CrmItem) []string {
		ret := make([]string, 0)
		seen := make(map[string]struct{})
		for _, id := range itemIDs(items) {
			if _, ok := selected[id]; !ok {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ret = append(ret, id)
		}
		return ret
	}
	selection := &CrmSelection{
		Accounts:      pick(snapshot.Accounts),
		Contacts:      pick(snapshot.Contacts),
		Opportunities: pick(snapshot.Opportunities),
	}

	sellers := make(map[string]string, len(assignedSellers))
	if len(assignedSellers) == 0 {
		return selection, sellers, nil
	}
	selectedOpportunities := make(map[string]struct{}, len(selection.Opportunities))
	for _, id := range selection.Opportunities {
		selectedOpportunities[id] = struct{}{}
	}
	users := rosterIndex(roster)
	problems := make([]string, 0)
	for opportunityID, userID := range assignedSellers {
		if _, ok := selectedOpportunities[opportunityID]; !ok {
			problems = append(problems, "opportunity "+opportunityID+" is not selected")
			continue
		}
		if _, ok := users[userID]; !ok {
			problems = append(problems, "user "+userID+" is not a company user")
			continue
		}
		sellers[opportunityID] = userID
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, nil, errors.WithMessagef(ErrInvalidSelection, "seller assignment: %s", strings.Join(problems, "; "))
	}
	return selection, sellers, nil
}
