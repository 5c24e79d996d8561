package flow

import "fmt"

// Node — узел композиции workflow.
//
// Три варианта (tagged union):
//   - SeqNode — последовательная цепочка: ребёнок стартует после
//     терминального завершения предыдущего;
//   - ParNode — параллельная группа без взаимного порядка;
//   - BarrierNode — группа + один callback, который стартует после
//     терминальности всех участников и получает их результаты (chord).
//
// Дерево интерпретируется не напрямую: Flatten раскладывает его в
// плоский список StepPlan с step_order, который и хранится в store.
type Node interface {
	isNode()
}

// StepNode — лист: один шаг.
type StepNode struct {
	Def Def
}

// SeqNode — последовательная цепочка (chain).
type SeqNode struct {
	Children []Node
}

// ParNode — параллельная группа (group).
//
// Участники группы — только листья: это зеркалит плоскую модель
// step_order, где группа — множество шагов с одинаковым order.
type ParNode struct {
	Children []StepNode

	// FailFast — при падении участника не диспетчеризовать следующие
	// порядки. Уже запущенные участники группы добегают до конца
	// (отмена «на лету» не гарантируется). По умолчанию fail-late:
	// группа доигрывается целиком и лишь потом влияет на итог.
	FailFast bool
}

func (StepNode) isNode()    {}
func (SeqNode) isNode()     {}
func (ParNode) isNode()     {}
func (BarrierNode) isNode() {}

// BarrierNode — chord: параллельная группа + callback.
type BarrierNode struct {
	Group    ParNode
	Callback Def
}

// StepPlan — плоское представление одного шага после Flatten.
// Ровно то, что становится строкой workflow_steps.
type StepPlan struct {
	Name         string
	Order        int
	SiblingIndex int
	BarrierOf    *int
	MaxAttempts  int
	Timeout      int // секунды; 0 — без таймаута
	FailFast     bool
}

// Seq — конструктор последовательной цепочки.
func Seq(children ...Node) SeqNode { return SeqNode{Children: children} }

// Par — конструктор параллельной группы.
func Par(children ...StepNode) ParNode { return ParNode{Children: children} }

// Chord — конструктор барьера: группа + callback.
func Chord(group ParNode, callback Def) BarrierNode {
	return BarrierNode{Group: group, Callback: callback}
}

// S — конструктор листа с политикой по умолчанию.
func S(name string) StepNode {
	return StepNode{Def: Def{Name: name, MaxAttempts: DefaultMaxAttempts}}
}

// SD — конструктор листа с явной политикой.
func SD(def Def) StepNode { return StepNode{Def: def} }

// Flatten раскладывает дерево композиции в упорядоченный список StepPlan.
//
// Правила нумерации:
//   - лист получает следующий order;
//   - участники ParNode делят один order, SiblingIndex — позиция в группе;
//   - callback барьера получает order группы + 1 и BarrierOf = order группы;
//   - вложенный SeqNode разворачивается inline.
//
// Ошибка — пустая композиция, пустая группа или шаг без имени.
func Flatten(root Node) ([]StepPlan, error) {
	var plans []StepPlan
	next := 1

	var walk func(n Node) error
	walk = func(n Node) error {
		switch v := n.(type) {
		case StepNode:
			if v.Def.Name == "" {
				return fmt.Errorf("step at order %d has no name", next)
			}
			plans = append(plans, StepPlan{
				Name:        v.Def.Name,
				Order:       next,
				MaxAttempts: v.Def.MaxAttempts,
				Timeout:     int(v.Def.Timeout.Seconds()),
			})
			next++
			return nil

		case SeqNode:
			for _, child := range v.Children {
				if err := walk(child); err != nil {
					return err
				}
			}
			return nil

		case ParNode:
			if len(v.Children) == 0 {
				return fmt.Errorf("parallel group at order %d is empty", next)
			}
			for i, child := range v.Children {
				if child.Def.Name == "" {
					return fmt.Errorf("step at order %d has no name", next)
				}
				plans = append(plans, StepPlan{
					Name:         child.Def.Name,
					Order:        next,
					SiblingIndex: i,
					MaxAttempts:  child.Def.MaxAttempts,
					Timeout:      int(child.Def.Timeout.Seconds()),
					FailFast:     v.FailFast,
				})
			}
			next++
			return nil

		case BarrierNode:
			groupOrder := next
			if err := walk(v.Group); err != nil {
				return err
			}
			if v.Callback.Name == "" {
				return fmt.Errorf("barrier callback at order %d has no name", next)
			}
			plans = append(plans, StepPlan{
				Name:        v.Callback.Name,
				Order:       next,
				BarrierOf:   &groupOrder,
				MaxAttempts: v.Callback.MaxAttempts,
				Timeout:     int(v.Callback.Timeout.Seconds()),
			})
			next++
			return nil

		default:
			return fmt.Errorf("unknown node type %T", n)
		}
	}

	if root == nil {
		return nil, fmt.Errorf("composition is empty")
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("composition has no steps")
	}
	return plans, nil
}
