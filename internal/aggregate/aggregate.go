// Package aggregate derives effective results from append-only grade and
// attendance events. Everything here is pure: inputs are pre-fetched by
// the caller, recomputation is idempotent and safe to run concurrently.
package aggregate

import "github.com/Engin1980/eng-task-grading-sub001/internal/model"

// TaskResult collapses the grades of one (task, student) pair under the
// task's policy. A nil result means no grades yet, which is distinct from
// an aggregated value of 0.
func TaskResult(grades []model.Grade, policy model.AggregationPolicy) *float64 {
	if len(grades) == 0 {
		return nil
	}
	var result float64
	switch policy {
	case model.PolicyMin:
		result = grades[0].Value
		for _, g := range grades[1:] {
			if g.Value < result {
				result = g.Value
			}
		}
	case model.PolicyMax:
		result = grades[0].Value
		for _, g := range grades[1:] {
			if g.Value > result {
				result = g.Value
			}
		}
	case model.PolicyAvg:
		var sum float64
		for _, g := range grades {
			sum += g.Value
		}
		result = sum / float64(len(grades))
	case model.PolicyLast:
		best := grades[0]
		for _, g := range grades[1:] {
			if laterGrade(g, best) {
				best = g
			}
		}
		result = best.Value
	default:
		return nil
	}
	return &result
}

// laterGrade orders grades by timestamp; equal timestamps resolve by the
// higher id so the selection does not depend on input order.
func laterGrade(a, b model.Grade) bool {
	if !a.GradedAt.Equal(b.GradedAt) {
		return a.GradedAt.After(b.GradedAt)
	}
	return a.ID > b.ID
}

// TaskPassed reports whether an aggregated value clears the task's minimum
// grade. An unset minimum always passes.
func TaskPassed(value *float64, minGrade *float64) bool {
	if minGrade == nil {
		return true
	}
	return value != nil && *value >= *minGrade
}

// AttendanceWeight sums the weights of the values assigned to a student's
// records within one attendance. Records pointing at an unknown value
// contribute 0.
func AttendanceWeight(records []model.AttendanceRecord, valueWeights map[string]float64) float64 {
	var total float64
	for _, r := range records {
		total += valueWeights[r.ValueID]
	}
	return total
}

func AttendancePassed(totalWeight float64, minWeight *float64) bool {
	if minWeight == nil {
		return true
	}
	return totalWeight >= *minWeight
}

type TaskResultView struct {
	TaskID string   `json:"taskId"`
	Value  *float64 `json:"value"`
	Passed bool     `json:"passed"`
}

type AttendanceResultView struct {
	AttendanceID string  `json:"attendanceId"`
	TotalWeight  float64 `json:"totalWeight"`
	Passed       bool    `json:"passed"`
}

type StudentSummary struct {
	StudentID         string                 `json:"studentId"`
	StudyNumber       string                 `json:"studyNumber"`
	TaskResults       []TaskResultView       `json:"taskResults"`
	AttendanceResults []AttendanceResultView `json:"attendanceResults"`
	OverallPass       bool                   `json:"overallPass"`
}

// CourseSummary recomputes every student's task and attendance results for
// one course. Given identical inputs it produces identical output; the
// per-student ordering follows the students slice and the per-task /
// per-attendance ordering follows the tasks and attendances slices.
func CourseSummary(
	students []model.Student,
	tasks []model.Task,
	grades []model.Grade,
	attendances []model.Attendance,
	days []model.AttendanceDay,
	values []model.AttendanceValue,
	records []model.AttendanceRecord,
) []StudentSummary {
	gradesByTaskStudent := make(map[string]map[string][]model.Grade)
	for _, g := range grades {
		byStudent, ok := gradesByTaskStudent[g.TaskID]
		if !ok {
			byStudent = make(map[string][]model.Grade)
			gradesByTaskStudent[g.TaskID] = byStudent
		}
		byStudent[g.StudentID] = append(byStudent[g.StudentID], g)
	}

	weightsByAttendance := make(map[string]map[string]float64)
	for _, v := range values {
		weights, ok := weightsByAttendance[v.AttendanceID]
		if !ok {
			weights = make(map[string]float64)
			weightsByAttendance[v.AttendanceID] = weights
		}
		weights[v.ID] = v.Weight
	}

	dayAttendance := make(map[string]string, len(days))
	for _, d := range days {
		dayAttendance[d.ID] = d.AttendanceID
	}
	recordsByAttendanceStudent := make(map[string]map[string][]model.AttendanceRecord)
	for _, r := range records {
		attendanceID, ok := dayAttendance[r.AttendanceDayID]
		if !ok {
			continue
		}
		byStudent, ok := recordsByAttendanceStudent[attendanceID]
		if !ok {
			byStudent = make(map[string][]model.AttendanceRecord)
			recordsByAttendanceStudent[attendanceID] = byStudent
		}
		byStudent[r.StudentID] = append(byStudent[r.StudentID], r)
	}

	summaries := make([]StudentSummary, 0, len(students))
	for _, student := range students {
		summary := StudentSummary{
			StudentID:         student.ID,
			StudyNumber:       student.StudyNumber,
			TaskResults:       make([]TaskResultView, 0, len(tasks)),
			AttendanceResults: make([]AttendanceResultView, 0, len(attendances)),
			OverallPass:       true,
		}
		for _, task := range tasks {
			value := TaskResult(gradesByTaskStudent[task.ID][student.ID], task.Policy)
			passed := TaskPassed(value, task.MinGrade)
			if !passed {
				summary.OverallPass = false
			}
			summary.TaskResults = append(summary.TaskResults, TaskResultView{
				TaskID: task.ID,
				Value:  value,
				Passed: passed,
			})
		}
		for _, attendance := range attendances {
			weight := AttendanceWeight(
				recordsByAttendanceStudent[attendance.ID][student.ID],
				weightsByAttendance[attendance.ID],
			)
			passed := AttendancePassed(weight, attendance.MinWeight)
			if !passed {
				summary.OverallPass = false
			}
			summary.AttendanceResults = append(summary.AttendanceResults, AttendanceResultView{
				AttendanceID: attendance.ID,
				TotalWeight:  weight,
				Passed:       passed,
			})
		}
		summaries = append(summaries, summary)
	}
	return summaries
}
