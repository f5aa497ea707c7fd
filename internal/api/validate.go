package api

import (
	"fmt"
	"net/url"
	"strings"

	"cafm/internal/model"
)

func validateWorkOrderIn(in *model.WorkOrderIn) error {
	if strings.TrimSpace(in.Description) == "" {
		return fmt.Errorf("description is required")
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return fmt.Errorf("invalid priority: %s", in.Priority)
	}
	return nil
}

func validateTechnicianIn(in *model.TechnicianIn) error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if in.Status != "" && in.Status != "active" && in.Status != "inactive" {
		return fmt.Errorf("invalid status: %s", in.Status)
	}
	return nil
}

func validateSubscriptionRequest(req *model.SubscriptionRequest) error {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL")
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	return nil
}

func validateLocationReport(rep *model.LocationReport) error {
	if rep.Lat < -90 || rep.Lat > 90 {
		return fmt.Errorf("lat out of range")
	}
	if rep.Lng < -180 || rep.Lng > 180 {
		return fmt.Errorf("lng out of range")
	}
	return nil
}
